package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/flowsync/internal/room"
)

var roomsServer string

// roomsCmd lists the live rooms of a running server.
var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms on a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rooms, err := fetchRooms(roomsServer)
		if err != nil {
			return err
		}
		return printRooms(cmd.OutOrStdout(), rooms)
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().StringVar(&roomsServer, "server", "http://localhost:3001", "Base URL of the FlowSync server")
}

func fetchRooms(base string) ([]room.Info, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(base, "/") + "/api/rooms")
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rooms: unexpected status %s", resp.Status)
	}

	var rooms []room.Info
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

func printRooms(w io.Writer, rooms []room.Info) error {
	if len(rooms) == 0 {
		_, err := fmt.Fprintln(w, "no live rooms")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tCLIENTS")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%d\n", r.ID, r.Clients)
	}
	return tw.Flush()
}
