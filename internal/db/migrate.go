package db

import (
	"embed"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationStatements splits an embedded migration file into single
// statements so every driver can execute them one by one.
func migrationStatements(name string) ([]string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return nil, err
	}

	var stmts []string
	for _, part := range strings.Split(string(b), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}
