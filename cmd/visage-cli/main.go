// Command visage-cli is the operator tool for enrolling, listing, and
// removing face models, and for inspecting daemon status. It is a thin
// message-bus client; all camera and model access happens in visaged.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Aigusta-Labs/visage/internal/config"
	"github.com/godbus/dbus/v5"
)

const busObjectPath = "/org/freedesktop/Visage1"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "enroll":
		runEnroll(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "remove":
		runRemove(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "models":
		runList(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("visage-cli - Visage operator tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  visage-cli enroll -user <username> [-label <label>]")
	fmt.Println("  visage-cli list -user <username>")
	fmt.Println("  visage-cli models -user <username>   # alias for list")
	fmt.Println("  visage-cli remove -user <username> -id <model-id>")
	fmt.Println("  visage-cli status")
}

func connectBusObject(sessionBus bool) (*dbus.Conn, dbus.BusObject, error) {
	var conn *dbus.Conn
	var err error
	if sessionBus {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect to bus: %w", err)
	}
	obj := conn.Object(config.Default().BusName(), dbus.ObjectPath(busObjectPath))
	return conn, obj, nil
}

func runEnroll(args []string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	username := fs.String("user", "", "Username to enroll")
	label := fs.String("label", "default", "Label for this enrollment")
	sessionBus := fs.Bool("session", false, "Use the session bus (development)")
	_ = fs.Parse(args)

	if *username == "" {
		fmt.Fprintln(os.Stderr, "enroll requires -user")
		os.Exit(1)
	}

	conn, obj, err := connectBusObject(*sessionBus)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	fmt.Printf("Enrolling user %q (label %q). Look at the camera...\n", *username, *label)

	var id string
	call := obj.Call("org.freedesktop.Visage1.Enroll", 0, *username, *label)
	if call.Err != nil {
		fmt.Fprintf(os.Stderr, "enroll failed: %v\n", call.Err)
		os.Exit(1)
	}
	if err := call.Store(&id); err != nil {
		fmt.Fprintf(os.Stderr, "enroll failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Enrollment successful. Model id: %s\n", id)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	username := fs.String("user", "", "Username to list models for")
	sessionBus := fs.Bool("session", false, "Use the session bus (development)")
	_ = fs.Parse(args)

	if *username == "" {
		fmt.Fprintln(os.Stderr, "list requires -user")
		os.Exit(1)
	}

	conn, obj, err := connectBusObject(*sessionBus)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	var listJSON string
	call := obj.Call("org.freedesktop.Visage1.ListModels", 0, *username)
	if call.Err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", call.Err)
		os.Exit(1)
	}
	if err := call.Store(&listJSON); err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}

	var models []struct {
		ID           string  `json:"id"`
		Label        string  `json:"label"`
		ModelVersion string  `json:"model_version"`
		QualityScore float32 `json:"quality_score"`
		CreatedAt    string  `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(listJSON), &models); err != nil {
		fmt.Fprintf(os.Stderr, "malformed response: %v\n", err)
		os.Exit(1)
	}

	if len(models) == 0 {
		fmt.Printf("No models enrolled for %q.\n", *username)
		return
	}

	fmt.Printf("%-38s %-12s %-16s %-8s %s\n", "ID", "Label", "Model Version", "Quality", "Created At")
	for _, m := range models {
		fmt.Printf("%-38s %-12s %-16s %-8.2f %s\n", m.ID, m.Label, m.ModelVersion, m.QualityScore, m.CreatedAt)
	}
}

func runRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	username := fs.String("user", "", "Username that owns the model")
	id := fs.String("id", "", "Model id to remove")
	sessionBus := fs.Bool("session", false, "Use the session bus (development)")
	_ = fs.Parse(args)

	if *username == "" || *id == "" {
		fmt.Fprintln(os.Stderr, "remove requires -user and -id")
		os.Exit(1)
	}

	conn, obj, err := connectBusObject(*sessionBus)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	var removed bool
	call := obj.Call("org.freedesktop.Visage1.RemoveModel", 0, *username, *id)
	if call.Err != nil {
		fmt.Fprintf(os.Stderr, "remove failed: %v\n", call.Err)
		os.Exit(1)
	}
	if err := call.Store(&removed); err != nil {
		fmt.Fprintf(os.Stderr, "remove failed: %v\n", err)
		os.Exit(1)
	}

	if removed {
		fmt.Printf("Removed model %s for %s.\n", *id, *username)
	} else {
		fmt.Printf("No model %s found for %s.\n", *id, *username)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sessionBus := fs.Bool("session", false, "Use the session bus (development)")
	_ = fs.Parse(args)

	conn, obj, err := connectBusObject(*sessionBus)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	var statusJSON string
	call := obj.Call("org.freedesktop.Visage1.Status", 0)
	if call.Err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", call.Err)
		os.Exit(1)
	}
	if err := call.Store(&statusJSON); err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		os.Exit(1)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal([]byte(statusJSON), &pretty); err != nil {
		fmt.Println(statusJSON)
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
