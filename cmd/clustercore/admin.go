package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	client "clustercore/clients/go"
)

// withClient runs fn against the node named by --server.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := client.New(serverAddr, &client.Options{Timeout: timeout, ConnectTimeout: timeout})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List cluster nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				nodes, err := c.Nodes(ctx)
				if err != nil {
					return err
				}
				for i, n := range nodes {
					local := ""
					if n.Local {
						local = " (local)"
					}
					fmt.Printf("%d) %s - %s:%d - %s%s\n", i+1, n.ID, n.Host, n.Port, n.State, local)
				}
				return nil
			})
		},
	}
}

func roleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role [device]",
		Short: "Show the mastership of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Role(ctx, args[0])
				if err != nil {
					return err
				}
				if !resp.Known {
					fmt.Printf("%s: no mastership\n", resp.Device)
					return nil
				}
				master := resp.Master
				if master == "" {
					master = "(none)"
				}
				fmt.Printf("Device:   %s\n", resp.Device)
				fmt.Printf("Master:   %s\n", master)
				fmt.Printf("Standbys: %s\n", strings.Join(resp.Standbys, ", "))
				fmt.Printf("Term:     %d\n", resp.Term)
				return nil
			})
		},
	}
}

func setRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-role [device] [node] [MASTER|STANDBY|NONE]",
		Short: "Assign a role to a node for a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.SetRole(ctx, args[0], args[1], strings.ToUpper(args[2]))
				if err != nil {
					return err
				}
				fmt.Printf("%s: master %q, term %d\n", resp.Device, resp.Master, resp.Term)
				return nil
			})
		},
	}
}

func requestRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-role [device] [node]",
		Short: "Request mastership of a device for a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				role, err := c.RequestRole(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s is %s of %s\n", args[1], role, args[0])
				return nil
			})
		},
	}
}

func allocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc [key]",
		Short: "Allocate an id block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				b, err := c.Allocate(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("[%d, %d) size %d\n", b.Start, b.End, b.Size)
				return nil
			})
		},
	}
}

func timestampCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timestamp [device]",
		Short: "Issue a logical timestamp for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				ts, err := c.Timestamp(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%d.%d\n", ts.Term, ts.Sequence)
				return nil
			})
		},
	}
}
