// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

// CandidateSummary is the printable form of a candidate, used by the gather
// command and debug endpoints.
type CandidateSummary struct {
	Type      string `json:"type"`
	Transport string `json:"transport"`
	Address   string `json:"address"`
	Priority  uint32 `json:"priority"`
}

type PairSummary struct {
	Local     CandidateSummary `json:"local"`
	Remote    CandidateSummary `json:"remote"`
	State     string           `json:"state"`
	Priority  uint64           `json:"priority"`
	Nominated bool             `json:"nominated"`
}

type ChecklistInfo struct {
	Role     string             `json:"role"`
	State    string             `json:"state"`
	Local    []CandidateSummary `json:"local"`
	Pairs    []PairSummary      `json:"pairs"`
	Selected string             `json:"selected,omitempty"`
}

func summarize(c CandidateInfo) CandidateSummary {
	return CandidateSummary{
		Type:      c.Type.String(),
		Transport: c.Transport.String(),
		Address:   c.Addr.String(),
		Priority:  c.Priority,
	}
}

// ChecklistInfo snapshots the agent's candidates and pairs.
func (a *Agent) ChecklistInfo() (*ChecklistInfo, error) {
	info := &ChecklistInfo{}
	err := a.Exec(func() {
		info.Role = a.Role().String()
		info.State = a.State().String()
		for _, c := range a.sockets.all() {
			info.Local = append(info.Local, summarize(c))
		}
		for _, cp := range a.checklist.all() {
			info.Pairs = append(info.Pairs, PairSummary{
				Local:     summarize(cp.Local),
				Remote:    summarize(cp.Remote),
				State:     cp.State.String(),
				Priority:  cp.Priority,
				Nominated: cp.Nominated,
			})
		}
		if p, ok := a.SelectedPair(); ok {
			info.Selected = p.String()
		}
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
