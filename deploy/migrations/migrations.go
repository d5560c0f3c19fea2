// Package migrations 内嵌 MySQL 建表脚本，供存储层在启动时自动建表。
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Apply 执行指定脚本中的所有语句。脚本以分号分隔，允许空语句与注释行。
func Apply(ctx context.Context, db *sql.DB, name string) error {
	content, err := files.ReadFile(name)
	if err != nil {
		return fmt.Errorf("读取迁移脚本 %s: %w", name, err)
	}
	for _, stmt := range strings.Split(string(content), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移脚本 %s: %w", name, err)
		}
	}
	return nil
}
