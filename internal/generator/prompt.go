package generator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const staticSystemPrompt = `You design REST API endpoints. Answer with a single JSON object only, no markdown, no commentary.`

const resourceSystemPrompt = `You design REST resources for a mock API server.
Answer with a single JSON object only, no markdown, no commentary.
Field names are lowerCamelCase. Field types are one of: string, number, boolean, array, object.
Do not include an "id" field; ids are assigned by the server.`

const datasetSystemPrompt = `You name REST resources from example records.
Answer with a single JSON object only, no markdown, no commentary.`

// datasetSampleBudget is the token budget for rows quoted in the dataset prompt.
const datasetSampleBudget = 1500

// BuildStaticPrompt returns the prompts for the legacy single-route mode.
func BuildStaticPrompt(userPrompt string) (string, string) {
	user := "Create a REST API endpoint in JSON for: " + strings.TrimSpace(userPrompt) + `.
Format: {"path": "/name", "method": "GET", "description": "...", "responseData": {"success": true, "data": [3 objects with real data], "total": 3}}.
Only JSON, no markdown.`
	return staticSystemPrompt, user
}

// BuildResourcePrompt returns the prompts for the schema mode.
func BuildResourcePrompt(userPrompt string) (string, string) {
	user := "Design a REST resource for: " + strings.TrimSpace(userPrompt) + `.
Format: {"resourceName": "book", "resourceNamePlural": "books", "description": "...",
"fields": [{"name": "title", "type": "string", "required": true}],
"sampleData": [3 to 5 objects with realistic values for every field]}.
Only JSON, no markdown.`
	return resourceSystemPrompt, user
}

// BuildDatasetPrompt asks the model to name a resource from a sample of rows.
// Rows are trimmed to fit datasetSampleBudget.
func BuildDatasetPrompt(name, description string, rows []map[string]any) (string, string) {
	sample := SampleRows(rows, datasetSampleBudget)
	b, _ := json.MarshalIndent(sample, "", "  ")
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Dataset\nname: %s\n", strings.TrimSpace(name))
	if d := strings.TrimSpace(description); d != "" {
		fmt.Fprintf(&sb, "description: %s\n", d)
	}
	fmt.Fprintf(&sb, "\n## Records (%d of %d)\n%s\n\n", len(sample), len(rows), string(b))
	sb.WriteString(`Name the REST resource these records belong to.
Format: {"resourceName": "singular", "resourceNamePlural": "plural", "description": "one sentence"}.
Only JSON, no markdown.`)
	return datasetSystemPrompt, sb.String()
}
