package main

import (
	"context"
	"fmt"

	"github.com/udx-project/udx/internal/command"
)

func newVersionCmd() *command.Command {
	return command.New(command.Params{
		Name: "version",
		Desc: "Prints the version",
		Handler: command.HandlerFunc(func(ctx context.Context, args []string) error {
			fmt.Println(gitDescribe)

			return nil
		}),
	})
}
