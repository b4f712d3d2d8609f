package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
	"go.olrik.dev/frpvisor/internal/supervisor"
)

// fetchTunnels asks the daemon for the tracked tunnels
func fetchTunnels() ([]supervisor.TunnelStatus, error) {
	response, err := daemon.SendCommand("LIST")
	if err != nil {
		return nil, err
	}
	tunnels := []supervisor.TunnelStatus{}
	if err := response.DecodeData(&tunnels); err != nil {
		return nil, err
	}
	return tunnels, nil
}

// activeTunnelCompletionFunc completes the ids of tunnels the daemon tracks
func activeTunnelCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	tunnels, err := fetchTunnels()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].TunnelID < tunnels[j].TunnelID })
	ids := make([]string, 0, len(tunnels))
	for _, t := range tunnels {
		ids = append(ids, strconv.Itoa(t.TunnelID)+"\t"+t.Name)
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

// validTunnelID rejects anything but a positive integer before it reaches the daemon
func validTunnelID(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if id, err := strconv.Atoi(args[0]); err != nil || id <= 0 {
		return fmt.Errorf("invalid tunnel id %q: must be a positive integer", args[0])
	}
	return nil
}
