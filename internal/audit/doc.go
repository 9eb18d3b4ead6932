// Package audit records what the controller did and why: state
// transitions, device commands and their outcomes, and registry changes
// made through the API. Entries live in the audit_logs table.
package audit
