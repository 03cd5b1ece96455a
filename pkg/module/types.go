package module

import "encoding/json"

// Result is a task result in the shape Ansible callbacks expect.
type Result struct {
	Changed      bool                   `json:"changed"`
	Failed       bool                   `json:"failed,omitempty"`
	Unreachable  bool                   `json:"unreachable,omitempty"`
	Skipped      bool                   `json:"skipped,omitempty"`
	Msg          string                 `json:"msg,omitempty"`
	RC           int                    `json:"rc,omitempty"`
	Stdout       string                 `json:"stdout,omitempty"`
	Stderr       string                 `json:"stderr,omitempty"`
	Ping         string                 `json:"ping,omitempty"`
	Dest         string                 `json:"dest,omitempty"`
	Checksum     string                 `json:"checksum,omitempty"`
	AnsibleFacts map[string]interface{} `json:"ansible_facts,omitempty"`
	Data         map[string]interface{} `json:"-"`
}

// ToJSON renders the result for registered variables and logging.
func (r *Result) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
