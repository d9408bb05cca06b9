package main

import "github.com/ManuelReschke/MailAccounts/internal/pkg/cli"

func main() {
	cli.Execute()
}
