package guard

import "regexp"

// scope selects the request parts a rule looks at.
type scope uint8

const (
	inPath scope = 1 << iota
	inQuery
	inHeaders
	inUserAgent
	inRawURI
)

type rule struct {
	name  string
	scope scope
	re    *regexp.Regexp
}

// builtinRules is the screening set for the hub API. Bodies are not
// inspected; handlers decode them strictly.
func builtinRules() []rule {
	return []rule{
		{
			name:  "path-traversal",
			scope: inRawURI,
			re:    regexp.MustCompile(`(?i)(?:\.\.[\\/]|\.\.%2f|\.\.%5c|%00)`),
		},
		{
			name:  "header-injection",
			scope: inHeaders,
			re:    regexp.MustCompile(`[\r\n]`),
		},
		{
			name:  "sql-injection",
			scope: inQuery | inHeaders,
			re: regexp.MustCompile(`(?i)(?:` +
				`union\s+(?:all\s+)?select` +
				`|;\s*(?:drop|delete|insert|update|alter)\s` +
				`|['"]\s*(?:or|and)\s+['"\d].*=` +
				`|'\s*;\s*--` +
				`|(?:benchmark|sleep|waitfor)\s*\(` +
				`)`),
		},
		{
			name:  "shell-injection",
			scope: inQuery | inHeaders,
			re: regexp.MustCompile("(?i)(?:" +
				`\$\(` +
				"|`[^`]+`" +
				`|[|;]\s*(?:cat|curl|wget|nc|bash|sh|python|perl|chmod)\b` +
				")"),
		},
		{
			name:  "jndi-lookup",
			scope: inPath | inQuery | inHeaders,
			re:    regexp.MustCompile(`(?i)\$\{.*?(?:jndi|java)\s*:`),
		},
		{
			name:  "scanner-ua",
			scope: inUserAgent,
			re:    regexp.MustCompile(`(?i)(?:sqlmap|nikto|nmap|masscan|gobuster|dirbuster|nuclei|zgrab|nessus|openvas|acunetix|commix)`),
		},
		{
			name:  "sensitive-file-scan",
			scope: inPath,
			re:    regexp.MustCompile(`(?i)(?:/\.env|/\.git(?:/|$)|/wp-(?:admin|login)|/phpmy|/cgi-bin/|/\.aws/|/\.ssh/|/etc/(?:passwd|shadow)|/\.kube/)`),
		},
	}
}
