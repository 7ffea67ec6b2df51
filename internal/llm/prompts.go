package llm

import (
	"fmt"
	"strings"
	"text/template"
)

// Prompt identifiers, one per pipeline role.
const (
	PromptEntities    = "entities"
	PromptQueryPlan   = "query_plan"
	PromptQuery       = "query"
	PromptRetry       = "retry"
	PromptSufficiency = "sufficiency"
	PromptSummary     = "summary"
	PromptDirect      = "direct"
)

var prompts = template.Must(template.New("prompts").Parse(`
{{define "entities"}}You are an expert HMDB entity-extraction system designed to identify entities for potential graph database queries.

Your responsibilities:
1. Carefully examine the user question.
2. Identify all entities or terms that match node labels, relationship types, and/or properties from the provided database schema.
3. Output each entity with its name (exact text from the question), its most specific type (node label) from the schema, and a confidence score between 0 and 1.

ONLY extract entities that actually appear in the database schema. Do not invent entities or properties.

Format your final response as a single JSON object with an "entities" key holding a list of {"name", "type", "confidence"} objects, and nothing outside that object. If no entities are found, return {"entities": []}.

Remember the user is asking about HMDB data, so look for metabolites and proteins.

Database Schema:
{{.Schema}}

User Question:
{{.Question}}{{end}}

{{define "query_plan"}}You are an expert Cypher query planner. Given the user question, the previously extracted entities, and the database schema, determine:

1. Whether the question should be answered with a database query (should_query).
2. The intent of the query (query_intent).
3. Which extracted entities the query should use (only those matching the schema). Add extra nodes and relationships so the query returns the most relevant results.
4. A concise reasoning for your decision.
5. The node labels, relationship types, and properties the query should use; only elements that exist in the schema.

If the question cannot be answered from the schema, set should_query to false.

Your output must be a single JSON object of the form
{"entities": [{"name", "type", "confidence"}], "query_intent": "...", "should_query": true, "reasoning": "...", "nodes_and_relationships": {"nodes": [...], "relationships": [...], "properties": [...]}}
with no additional text.

Database Schema:
{{.Schema}}

User Question:
{{.Question}}

Extracted Entities:
{{.Entities}}{{end}}

{{define "query"}}You are an expert Cypher knowledge-graph assistant. Based on the provided query plan and database schema:
1. Construct the Cypher query that fulfills the intent.
2. Use only node labels, relationships, and properties that exist in the schema, with correct directions.
3. Return the most relevant and most numerous results, including their sources.
4. Where a metabolite is matched by name, also check its synonyms.

Double-check every label, relationship, and property against the schema. Map concepts absent from the schema to the closest valid elements or omit them.

The final output must be ONLY the Cypher query, ending with a RETURN clause. No explanations before or after.

Database Schema:
{{.Schema}}

Query Plan:
{{.Plan}}{{end}}

{{define "retry"}}You are an expert Cypher knowledge-graph assistant. A previously generated query failed and must be regenerated.

Failed query:
{{.OldQuery}}

Error:
{{.Error}}

Recent attempts (query and error, newest last):
{{.History}}

Using the query plan and the schema, produce a corrected Cypher query. Use only labels, relationships, and properties from the schema, and do not repeat a query from the attempts above. The final output must be ONLY the Cypher query, ending with a RETURN clause.

Database Schema:
{{.Schema}}

Query Plan:
{{.Plan}}{{end}}

{{define "sufficiency"}}You are evaluating whether graph query results fully answer the user's question.

Given the question, the schema, the query that was run, and its results, decide whether another query round is needed. If results are missing something the schema could supply, set should_retry_query to true and provide a query_addition: a Cypher fragment (additional MATCH/OPTIONAL MATCH clauses) to splice into the existing query before its RETURN clause. If the results suffice, set should_retry_query to false.

Your output must be a single JSON object of the form
{"should_retry_query": false, "reasoning": "...", "query_addition": "..."}
with no additional text.

Database Schema:
{{.Schema}}

User Question:
{{.Question}}

Current Query:
{{.Query}}

Query Results:
{{.Results}}{{end}}

{{define "summary"}}You are a detailed summarizer. Provide a single-paragraph answer in a clinical context to the user's query, based on the provided query results. The results are your knowledge base; present the information as your own knowledge.

GUIDELINES:
1. Include all relevant details from the query results.
2. Do not invent information that is not present in the results.
3. The summary must stand on its own: no phrases like "Based on the results".
4. Write in a natural, explanatory style suited for a clinical context, as one cohesive paragraph.

User Question:
{{.Question}}

Query Results:
{{.Results}}{{end}}

{{define "direct"}}You are a helpful assistant that answers questions about the proteins and metabolites in a biochemical knowledge base.
{{if .Context}}
Context from earlier conversation:
{{.Context}}
{{end}}
User Question:
{{.Question}}{{end}}
`))

// Render fills the named prompt template.
func Render(name string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
