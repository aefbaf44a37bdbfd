package logsync

import (
	"fmt"
	"strings"

	"github.com/edgeflare/logsync/pkg/replication"
	"github.com/edgeflare/logsync/pkg/replication/transform"
	"github.com/spf13/cobra"
)

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List the built-in connectors and transformations",
	Run: func(cmd *cobra.Command, args []string) {
		sources, sinks := replication.Connectors()
		fmt.Println("sources:", strings.Join(sources, ", "))
		fmt.Println("sinks:  ", strings.Join(sinks, ", "))
		fmt.Println("transformations:", strings.Join(transform.Types(), ", "))
	},
}
