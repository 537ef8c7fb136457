package secrets

// DefaultRules covers the credentials executor backends are most likely to
// echo: provider API keys, bearer tokens, connection strings and key blocks.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "anthropic-api-key",
			Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`,
		},
		{
			ID:      "openai-api-key",
			Pattern: `sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`,
		},
		{
			ID:      "aws-access-key-id",
			Pattern: `(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}`,
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"secret_access_key"},
		},
		{
			ID:      "github-token",
			Pattern: `(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`,
		},
		{
			ID:      "slack-token",
			Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:      "google-api-key",
			Pattern: `AIza[A-Za-z0-9_\-]{35}`,
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords: []string{"bearer"},
		},
		{
			ID:      "jwt",
			Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:      "connection-string",
			Pattern: `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|nats)://[^:/\s]+:[^@\s]+@[^\s"']+`,
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:api[_-]?key|secret|password|passwd|token)["']?\s*[:=]\s*["']?[^\s"',}]{8,}`,
			Keywords: []string{"key", "secret", "pass", "token"},
		},
		{
			ID:      "private-key",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY(?: BLOCK)?-----|$)`,
		},
	}
}
