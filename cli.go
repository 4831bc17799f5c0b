package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"p3server/internal/credstore"
	"p3server/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("p3server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:])
	case "rooms":
		return cliRooms(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	case "audit":
		return cliAudit(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	name, _, _ := st.GetSetting("server_name")
	rooms, _ := st.ChatRoomCount()
	audits, _ := st.AuditLogCount()
	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Chat rooms seen: %d\n", rooms)
	fmt.Printf("Audit entries: %d\n", audits)
	fmt.Printf("Version: %s\n", Version)
	return true
}

// cliUsers lists registered screennames from the credential store.
// Note: this is the persisted account list, not who's online right now.
func cliUsers(args []string) bool {
	credsPath := "p3creds.db"
	if len(args) > 0 {
		credsPath = args[0]
	}
	creds, err := credstore.Open(credsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential store: %v\n", err)
		os.Exit(1)
	}
	defer creds.Close()

	names, err := creds.Accounts(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Println("No registered accounts.")
		return true
	}
	for _, n := range names {
		fmt.Printf("  %s\n", n)
	}
	return true
}

func cliRooms(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rooms, err := st.GetChatRooms()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rooms) == 0 {
		fmt.Println("No chat rooms recorded.")
		return true
	}
	for _, r := range rooms {
		fmt.Printf("  %s\n", r.Name)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: p3server settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "p3server-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func cliAudit(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	action := ""
	if len(args) > 0 {
		action = args[0]
	}
	entries, err := st.GetAuditLog(action, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return true
	}
	for _, e := range entries {
		fmt.Printf("  [%d] %s %s -> %s\n", e.ActorTag, e.Screenname, e.Action, e.Target)
	}
	return true
}
