// Command createuser creates a password user directly in the database.
//
//	createuser [-name NAME] [-password PASSWORD] <username>
//
// The password is prompted for without echo when -password is omitted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/keyxmakerx/moment/internal/apperror"
	"github.com/keyxmakerx/moment/internal/config"
	"github.com/keyxmakerx/moment/internal/database"
	"github.com/keyxmakerx/moment/internal/events"
	"github.com/keyxmakerx/moment/internal/plugins/auth"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// options are the parsed command-line arguments.
type options struct {
	username string
	password string
	name     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "create failed: %v\n", err)
		return 1
	}

	if opts.password == "" {
		opts.password, err = promptPassword(stderr)
		if err != nil {
			fmt.Fprintf(stderr, "create failed: reading password: %v\n", err)
			return 1
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "create failed: loading config: %v\n", err)
		return 1
	}

	db, err := database.NewMySQL(cfg.Database)
	if err != nil {
		fmt.Fprintf(stderr, "create failed: connecting to database: %v\n", err)
		return 1
	}
	defer db.Close()

	// Close flushes the registration event before exit.
	publisher := events.New(cfg.Events.URL, cfg.Events.Queue)
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := auth.NewRegistrar(auth.NewUserRepository(db), publisher).Register(ctx, auth.RegisterInput{
		Username: opts.username,
		Password: opts.password,
		Name:     opts.name,
	})
	if err != nil {
		fmt.Fprintf(stderr, "create failed: %s\n", apperror.SafeMessage(err))
		return 1
	}

	printUser(stdout, opts.username, user)
	return 0
}

// parseArgs reads flags followed by exactly one username.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("createuser", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.name, "name", "", "display name (defaults to the username)")
	fs.StringVar(&opts.password, "password", "", "password (prompted for when omitted)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: createuser [-name NAME] [-password PASSWORD] <username>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("exactly one username is required")
	}
	opts.username = fs.Arg(0)
	return opts, nil
}

// promptPassword reads the password twice without echo.
func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")
	first, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}

	fmt.Fprint(w, "Repeat password: ")
	second, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}

	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func printUser(w io.Writer, username string, user *auth.User) {
	status := "inactive"
	if user.IsActive() {
		status = "active"
	}
	fmt.Fprintln(w, "user created successfully")
	fmt.Fprintf(w, "   ID: %d\n", user.ID)
	fmt.Fprintf(w, "   username: %s\n", username)
	fmt.Fprintf(w, "   display name: %s\n", user.Name)
	fmt.Fprintf(w, "   status: %s\n", status)
}
