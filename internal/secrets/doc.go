// Package secrets removes credentials from free text (queries, markdown
// sources) before flowlearn stores it, using the gitleaks rule set.
package secrets
