package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"eventchat/config"
	"eventchat/pkg/db"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
)

// 子表在前
var chatTables = []string{"message_read", "message_hide", "message"}

var directoryTables = []string{"event_assignment", "event", "user"}

var (
	withDirectory bool
	assumeYes     bool
)

var rootCmd = &cobra.Command{
	Use:   "reset_db",
	Short: "清空聊天数据（保留表结构）",
	Long: `清空消息、已读回执和隐藏记录，并重置自增ID。
加 --all 同时清空用户、活动和分配关系。`,
	RunE: run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().BoolVar(&withDirectory, "all", false, "同时清空用户、活动和分配表")
	rootCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "跳过确认")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.LoadConfig()

	dsn := db.DSN(cfg.Database)
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(cmd.Context()); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	fmt.Printf("数据库连接成功: %s@%s/%s\n", parsed.User, parsed.Addr, parsed.DBName)

	tables := chatTables
	if withDirectory {
		tables = append(append([]string{}, chatTables...), directoryTables...)
	}

	if !assumeYes && !confirm(tables) {
		fmt.Println("操作已取消")
		return nil
	}

	ctx := cmd.Context()
	// 关闭外键检查，避免约束顺序问题
	if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS=0"); err != nil {
		return fmt.Errorf("disable foreign key checks: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS=1") }()

	failed := 0
	for _, table := range tables {
		fmt.Printf("清空表 %s... ", table)
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`", table)); err != nil {
			fmt.Printf("失败: %v\n", err)
			failed++
			continue
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("ALTER TABLE `%s` AUTO_INCREMENT = 1", table)); err != nil {
			fmt.Printf("自增重置失败: %v\n", err)
			failed++
			continue
		}
		fmt.Println("成功")
	}

	if failed > 0 {
		return fmt.Errorf("%d table(s) not reset", failed)
	}
	fmt.Println("\n数据库重置完成，表结构已保留")
	return nil
}

func confirm(tables []string) bool {
	fmt.Printf("\n警告: 将清空表 [%s] 的全部数据!\n", strings.Join(tables, ", "))
	fmt.Print("输入 'YES' 确认: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "YES"
}
