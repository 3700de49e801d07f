package command_test

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"

	"github.com/udx-project/udx/internal/command"
)

func TestCommand_NoArgsAndNoSubcommands(t *testing.T) {
	var got []string

	cmd := command.New(command.Params{
		Name: "root",
		Desc: "Root is the root command",
		Handler: command.HandlerFunc(
			func(ctx context.Context, args []string) error {
				got = args

				return nil
			},
		),
		SubCommands: nil,
	})

	args := []string{"a", "b", "c"}

	err := cmd.Exec(context.Background(), args)
	assert.NoError(t, err, "error exec")

	assert.Equal(t, args, got, "expected to receive same arguments")
}

func TestCommand_SimpleArgs(t *testing.T) {
	var got []string
	var config string

	cmd := command.New(command.Params{
		Name: "root",
		Desc: "Root is the root command",
		FlagRegistry: command.FlagRegistryFunc(func(_ *command.Command, flags *pflag.FlagSet) {
			flags.StringVarP(&config, "config", "c", "", "config to use")
		}),
		Handler: command.HandlerFunc(func(ctx context.Context, args []string) error {
			got = args

			return nil
		}),
		SubCommands: nil,
	})

	args := []string{"-c", "myconfig.yaml", "a", "-b", "c"}

	err := cmd.Exec(context.Background(), args)
	assert.NoError(t, err, "error exec")

	assert.Equal(t, "myconfig.yaml", config)
	assert.Equal(t, args[2:], got, "expected only unused arguments")
}

func TestCommand_SubCommand(t *testing.T) {
	var got []string
	var file string

	cmd := command.New(command.Params{
		Name: "root",
		Desc: "Root is the root command",
		SubCommands: []*command.Command{
			command.New(command.Params{
				Name: "sub1",
				Desc: "sub desc",
				FlagRegistry: command.FlagRegistryFunc(func(_ *command.Command, flags *pflag.FlagSet) {
					flags.StringVarP(&file, "file", "f", "", "file to use")
				}),
				Handler: command.HandlerFunc(func(ctx context.Context, args []string) error {
					got = args

					return nil
				}),
			}),
		},
	})

	err := cmd.Exec(context.Background(), []string{"sub1", "-f", "data.bin", "rest"})
	assert.NoError(t, err, "error exec")

	assert.Equal(t, "data.bin", file)
	assert.Equal(t, []string{"rest"}, got)
}

func TestCommand_NotFound(t *testing.T) {
	cmd := command.New(command.Params{
		Name: "root",
		Desc: "Root is the root command",
		SubCommands: []*command.Command{
			command.New(command.Params{Name: "sub1", Desc: "sub desc"}),
		},
	})

	err := cmd.Exec(context.Background(), []string{"nope"})
	assert.Equal(t, command.ErrCommandNotFound, errors.Cause(err))
}
