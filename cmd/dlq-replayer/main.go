// Command dlq-replayer moves recently dead-lettered messages back onto their destination.
package main

import "github.com/nimburion/dlqreplay/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.CommandOptions{
		Name:        "dlq-replayer",
		Description: "Replay dead-lettered messages enqueued within a recent time window",
		EnvPrefix:   "APP",
	}))
}
