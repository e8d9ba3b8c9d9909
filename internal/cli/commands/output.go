package commands

import (
	"encoding/json"
	"io"
)

// printJSON writes v to out as indented JSON, the CLI's uniform output
// format across subcommands (parse flags -> call one orchestrator/store
// method -> print JSON).
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
