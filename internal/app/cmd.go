package app

import (
	"fmt"
	"sort"
	"strings"
)

// Command はzuptinのサブコマンド。
type Command string

const (
	// CommandServe はIdentity & Data Service のHTTP APIを起動する。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションと使用済みトークンを定期的に削除するワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のAPIの /health を確認する。設定の読み込みは行わない。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。残りの引数は無視する。
// 大文字小文字と前後の空白は区別しない。未知のサブコマンドはエラーになる。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	if name == "" {
		return CommandServe, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q (available: %s)", args[0], strings.Join(commandNames(), ", "))
	}
	return cmd, nil
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Command) String() string {
	return string(c)
}
