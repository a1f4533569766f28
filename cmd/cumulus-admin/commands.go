package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/zone"
)

func userCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage directory users"}

	var admin bool
	var accessKey, secretKey string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a user, printing its credentials",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			u, err := deps.Identity.CreateUser(c.Context(), args[0], accessKey, secretKey, admin)
			if err != nil {
				return err
			}
			fmt.Printf("export EC2_ACCESS_KEY=%s\nexport EC2_SECRET_KEY=%s\n", u.AccessKey, u.SecretKey)
			return nil
		},
	}
	create.Flags().BoolVar(&admin, "admin", false, "grant the admin flag")
	create.Flags().StringVar(&accessKey, "access-key", "", "explicit access key (generated if empty)")
	create.Flags().StringVar(&secretKey, "secret-key", "", "explicit secret key (generated if empty)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  exactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			users, err := deps.Identity.GetUsers(c.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				admin := ""
				if u.Admin {
					admin = " (admin)"
				}
				fmt.Printf("%s%s\n", u.ID, admin)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a user and its bindings",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Identity.DeleteUser(c.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func projectCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	var description string
	create := &cobra.Command{
		Use:   "create NAME MANAGER",
		Short: "Create a project managed by MANAGER",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			p, err := deps.Identity.CreateProject(c.Context(), args[0], args[1], description, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s (manager %s)\n", p.ID, p.ManagerID)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "project description (defaults to the name)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  exactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			projects, err := deps.Identity.GetProjects(c.Context(), "")
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s\tmanager=%s\tmembers=%s\n", p.ID, p.ManagerID, strings.Join(p.MemberIDs, ","))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a project, its role groups, and network bindings",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := deps.Identity.DeleteProject(c.Context(), args[0]); err != nil {
				return err
			}
			return deps.Network.DisassociateProjectNetworks(c.Context(), args[0])
		},
	}

	addMember := &cobra.Command{
		Use:   "add-member PROJECT USER",
		Short: "Add a user to a project",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Identity.AddToProject(c.Context(), args[1], args[0])
		},
	}

	removeMember := &cobra.Command{
		Use:   "remove-member PROJECT USER",
		Short: "Remove a user from a project and its role groups",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Identity.RemoveFromProject(c.Context(), args[1], args[0])
		},
	}

	cmd.AddCommand(create, list, del, addMember, removeMember)
	return cmd
}

func roleCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage role bindings"}

	var project string
	add := &cobra.Command{
		Use:   "add USER ROLE",
		Short: "Bind a role to a user, globally or in a project",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Identity.AddRole(c.Context(), args[0], args[1], project)
		},
	}
	add.Flags().StringVar(&project, "project", "", "scope the binding to a project")

	var removeProject string
	remove := &cobra.Command{
		Use:   "remove USER ROLE",
		Short: "Remove a role binding",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Identity.RemoveRole(c.Context(), args[0], args[1], removeProject)
		},
	}
	remove.Flags().StringVar(&removeProject, "project", "", "scope of the binding to remove")

	var listProject string
	list := &cobra.Command{
		Use:   "list USER",
		Short: "List a user's roles",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			roles, err := deps.Identity.GetUserRoles(c.Context(), args[0], listProject)
			if err != nil {
				return err
			}
			for _, r := range roles {
				fmt.Println(r)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "list project-scoped roles")

	cmd.AddCommand(add, remove, list)
	return cmd
}

func networkCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "network", Short: "Manage fixed-address networks"}

	var count, size int
	var host string
	create := &cobra.Command{
		Use:   "create CIDR",
		Short: "Carve CIDR into networks and fill their address pools",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if count < 1 || size < 4 {
				return usagef("count must be >= 1 and size >= 4")
			}
			return deps.Network.CreateNetworks(c.Context(), args[0], count, size, host)
		},
	}
	create.Flags().IntVar(&count, "count", 1, "number of networks to create")
	create.Flags().IntVar(&size, "size", 256, "addresses per network")
	create.Flags().StringVar(&host, "host", "", "network host managing the range")

	cmd.AddCommand(create)
	return cmd
}

func floatingCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "floating", Short: "Manage the floating address pool"}

	var host string
	create := &cobra.Command{
		Use:   "create CIDR",
		Short: "Add a CIDR of public addresses to the floating pool",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Network.CreateFloatingRange(c.Context(), args[0], host)
		},
	}
	create.Flags().StringVar(&host, "host", "", "network host owning the range")

	list := &cobra.Command{
		Use:   "list",
		Short: "List floating addresses",
		Args:  exactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			ips, err := deps.Network.ListFloatingIPs(c.Context(), "")
			if err != nil {
				return err
			}
			for _, fip := range ips {
				fmt.Printf("%s\tproject=%s\tfixed=%s\n", fip.Address, fip.ProjectID, fip.FixedAddress)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func zoneCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "zone", Short: "Manage child zones"}

	var username, password string
	add := &cobra.Command{
		Use:   "add API_URL",
		Short: "Register a child zone for polling",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			z := &zone.Zone{APIURL: args[0], Username: username, Password: password}
			if err := deps.ZoneStore.Create(c.Context(), z); err != nil {
				return err
			}
			fmt.Printf("zone %d registered\n", z.ID)
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "zone API username")
	add.Flags().StringVar(&password, "password", "", "zone API password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered zones",
		Args:  exactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			zones, err := deps.ZoneStore.ListZones(c.Context())
			if err != nil {
				return err
			}
			for _, z := range zones {
				fmt.Printf("%d\t%s\n", z.ID, z.APIURL)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a zone registration",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return usagef("malformed zone id %q", args[0])
			}
			return deps.ZoneStore.Delete(c.Context(), id)
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func firewallCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "firewall", Short: "Inspect compiled firewall chains"}

	show := &cobra.Command{
		Use:   "show INSTANCE_ID",
		Short: "Print the chain set a compute host should enforce for an instance",
		Args:  exactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := compute.ParseEC2ID(args[0])
			if err != nil {
				return usagef("malformed instance id %q", args[0])
			}
			rs, err := deps.Cloud.CompileFirewall(c.Context(), id)
			if err != nil {
				return err
			}
			fmt.Print(rs.Text())
			if v6 := rs.TextV6(); len(rs.V6) > 0 {
				fmt.Print(v6)
			}
			return nil
		},
	}

	cmd.AddCommand(show)
	return cmd
}

func serviceCommands() *cobra.Command {
	cmd := &cobra.Command{Use: "service", Short: "Inspect and manage worker services"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List services with liveness",
		Args:  exactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			services, err := deps.Services.ListByTopic(c.Context(), "")
			if err != nil {
				return err
			}
			for i := range services {
				s := &services[i]
				state := "down"
				if deps.Services.IsUp(s) {
					state = "up"
				}
				if s.Disabled {
					state += " (disabled)"
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", s.Topic, s.Host, s.Binary, state)
			}
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable HOST TOPIC",
		Short: "Administratively disable a service",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Services.SetDisabled(c.Context(), args[0], args[1], true)
		},
	}

	enable := &cobra.Command{
		Use:   "enable HOST TOPIC",
		Short: "Re-enable a service",
		Args:  exactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return deps.Services.SetDisabled(c.Context(), args[0], args[1], false)
		},
	}

	cmd.AddCommand(list, disable, enable)
	return cmd
}
