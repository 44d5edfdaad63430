package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/hybridchat/internal/reconnect"
)

// apiBase turns the relay WebSocket URL into the base of its HTTP API.
func apiBase(relayURL string) (string, error) {
	origin, ok := reconnect.OriginFor(relayURL)
	if !ok {
		return "", fmt.Errorf("cannot derive an HTTP address from %q", relayURL)
	}
	return origin, nil
}

func getJSON(ctx context.Context, endpoint string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}

// listCommand resolves the relay address from RELAY_URL or --url.
func listCommand(use, short string, list func(ctx context.Context, base string, out io.Writer) error) *cobra.Command {
	var relayURL string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cmd.Flags().Changed("url") {
				cfg.URL = relayURL
			}
			base, err := apiBase(cfg.URL)
			if err != nil {
				return err
			}
			return list(cmd.Context(), base, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&relayURL, "url", "", "relay WebSocket URL, overrides RELAY_URL")
	return cmd
}

func newUsersCommand() *cobra.Command {
	return listCommand("users", "List identities currently online", listUsers)
}

func newGroupsCommand() *cobra.Command {
	return listCommand("groups", "List groups known to the relay", listGroups)
}

func listUsers(ctx context.Context, base string, out io.Writer) error {
	var body struct {
		Users []string `json:"users"`
	}
	if err := getJSON(ctx, base+"/api/users", &body); err != nil {
		return err
	}

	table := newTable(out, "#", "User")
	for i, u := range body.Users {
		table.Append([]string{strconv.Itoa(i + 1), u})
	}
	table.Render()
	return nil
}

func listGroups(ctx context.Context, base string, out io.Writer) error {
	var body struct {
		Groups []struct {
			ID          string    `json:"id"`
			Name        string    `json:"name"`
			Creator     string    `json:"creator"`
			MemberCount int       `json:"memberCount"`
			CreatedAt   time.Time `json:"createdAt"`
		} `json:"groups"`
	}
	if err := getJSON(ctx, base+"/api/groups", &body); err != nil {
		return err
	}

	table := newTable(out, "Group", "Name", "Creator", "Members", "Created")
	for _, g := range body.Groups {
		table.Append([]string{
			g.ID,
			g.Name,
			g.Creator,
			strconv.Itoa(g.MemberCount),
			g.CreatedAt.Local().Format(time.DateTime),
		})
	}
	table.Render()
	return nil
}

func newMembersCommand() *cobra.Command {
	var relayURL string

	cmd := &cobra.Command{
		Use:   "members <groupId>",
		Short: "List the members of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cmd.Flags().Changed("url") {
				cfg.URL = relayURL
			}
			base, err := apiBase(cfg.URL)
			if err != nil {
				return err
			}
			return listMembers(cmd.Context(), base, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&relayURL, "url", "", "relay WebSocket URL, overrides RELAY_URL")
	return cmd
}

func listMembers(ctx context.Context, base, groupID string, out io.Writer) error {
	var body struct {
		Members []string `json:"members"`
	}
	if err := getJSON(ctx, base+"/api/groups/"+url.PathEscape(groupID)+"/members", &body); err != nil {
		return err
	}

	table := newTable(out, "#", "Member")
	for i, m := range body.Members {
		table.Append([]string{strconv.Itoa(i + 1), m})
	}
	table.Render()
	return nil
}
