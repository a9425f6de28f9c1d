// Package prompts contains the prompt text Nexus sends to the model.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests. A
// persona file named in config.yaml replaces the preamble; the tool list and
// the action format are always appended so the parser keeps working.
package prompts
