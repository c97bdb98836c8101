// Package templates holds files shipped inside the binary.
package templates

import (
	"embed"
	"io/fs"
)

// ExampleRulesPath is the example detector rules file inside RulesFS.
const ExampleRulesPath = "rules/example.yaml"

// rulesTemplates embeds the detector rule files.
//
//go:embed rules
var rulesTemplates embed.FS

// RulesFS returns the embedded filesystem containing detector rule files.
func RulesFS() fs.FS {
	return rulesTemplates
}

// ExampleRules returns the commented example rules file.
func ExampleRules() []byte {
	data, err := fs.ReadFile(rulesTemplates, ExampleRulesPath)
	if err != nil {
		panic("embedded rules missing: " + err.Error())
	}
	return data
}
