// Command shedlock runs jobs at most once at a time across instances
// sharing a lock backend.
package main

import (
	"context"

	"github.com/nimburion/shedlock/pkg/cli"
)

func main() {
	cli.Execute(context.Background(), cli.NewRootCommand(cli.Options{}))
}
