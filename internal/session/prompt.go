package session

import (
	"fmt"
	"strings"
)

const DefaultDialect = "postgresql"

// SystemPrompt builds the instruction that seeds every conversation.
func SystemPrompt(dialect, renderedSchema string) string {
	dialect = strings.TrimSpace(dialect)
	if dialect == "" {
		dialect = DefaultDialect
	}
	return fmt.Sprintf("You are a professional %s query writer. "+
		"The user will give you a request in natural language and your job is to convert it to SQL "+
		"based on the schema of the user's database: %s. "+
		"Think step by step to make sure the query makes sense and only uses columns that exist in each table. "+
		"Only output the SQL query and end it with ';' so it can be run. "+
		"Your output is passed directly to a database, so do not return any other text. "+
		"Do not include any explanation.",
		dialect, renderedSchema)
}
