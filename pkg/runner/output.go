package runner

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FormatResults renders ad-hoc results one host per line, in the
// `host | STATUS => {json}` shape the classic ansible CLI prints.
func FormatResults(results []TaskResult) string {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Host < results[j].Host
	})

	output := ""
	for _, result := range results {
		status := "SUCCESS"
		color := "\033[32m"

		switch {
		case result.ModuleResult.Unreachable:
			status = "UNREACHABLE"
			color = "\033[31m"
		case result.ModuleResult.Failed:
			status = "FAILED"
			color = "\033[31m"
		case result.ModuleResult.Changed:
			status = "CHANGED"
			color = "\033[33m"
		}

		jsonData, err := json.Marshal(result.ModuleResult)
		if err != nil {
			jsonData = []byte(fmt.Sprintf(`{"error": "failed to marshal result: %v"}`, err))
		}

		output += fmt.Sprintf("%s | %s%s\033[0m => %s\n",
			result.Host, color, status, string(jsonData))
	}
	return output
}
