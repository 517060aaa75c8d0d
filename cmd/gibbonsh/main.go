// Package main provides gibbonsh, an interactive shell for inspecting
// and mutating a gibbon authorization store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/maskauth/gibbon/pkg/gibbon"
)

const connectTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("gibbonsh", flag.ContinueOnError)
	uri := fs.String("uri", "", "MongoDB connection URI (required)")
	configPath := fs.String("config", "", "path to a config file")
	workDir := fs.String("cwd", "", "run as if started in this directory")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: gibbonsh --uri=<db-uri> [--config=<file>] [--cwd=<dir>]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	if *uri == "" {
		fs.Usage()

		return errors.New("--uri is required")
	}

	dir := *workDir
	if dir == "" {
		var err error

		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg, _, err := gibbon.LoadConfig(dir, *configPath, os.Environ())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(*uri))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	defer func() {
		_ = client.Disconnect(context.Background())
	}()

	g, err := gibbon.New(client, cfg)
	if err != nil {
		return err
	}

	repl := &REPL{g: g, cfg: cfg, ctx: ctx}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	g     *gibbon.Gibbon
	cfg   gibbon.Config
	ctx   context.Context
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".gibbonsh_history")
}

var replCommands = []string{
	"help", "exit", "quit",
	"seed", "counts",
	"alloc-group", "alloc-perm", "dealloc-group", "dealloc-perm",
	"groups", "perms", "groups-by-perms", "resolve",
	"grant", "revoke",
	"user-create", "users", "users-by-groups", "users-by-perms", "user-remove",
	"join", "leave", "recalc",
	"expand-groups", "shrink-groups", "expand-perms", "shrink-perms",
	"clear",
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("gibbonsh - db=%q groups=%d bits perms=%d bits\n",
		r.cfg.DBName, 8*r.g.GroupByteLength(), 8*r.g.PermissionByteLength())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("gibbon> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "seed":
			r.report(r.g.Seed(r.ctx))

		case "counts":
			r.cmdCounts()

		case "alloc-group":
			r.cmdAlloc(args, true)

		case "alloc-perm":
			r.cmdAlloc(args, false)

		case "dealloc-group":
			r.cmdDealloc(args, true)

		case "dealloc-perm":
			r.cmdDealloc(args, false)

		case "groups":
			r.cmdGroups(args)

		case "perms":
			r.cmdPerms(args)

		case "groups-by-perms":
			r.cmdGroupsByPerms(args)

		case "resolve":
			r.cmdResolve(args)

		case "grant":
			r.cmdGrant(args)

		case "revoke":
			r.cmdRevoke(args)

		case "user-create":
			r.cmdUserCreate(args)

		case "users":
			r.cmdUsers(args)

		case "users-by-groups":
			r.cmdUsersByGroups(args)

		case "users-by-perms":
			r.cmdUsersByPerms(args)

		case "user-remove":
			r.cmdUserRemove(args)

		case "join":
			r.cmdJoin(args)

		case "leave":
			r.cmdLeave(args)

		case "recalc":
			r.cmdRecalc(args)

		case "expand-groups", "shrink-groups", "expand-perms", "shrink-perms":
			r.cmdResize(cmd, args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	var out []string

	lower := strings.ToLower(line)
	for _, c := range replCommands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	sort.Strings(out)

	return out
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  seed                              Seed both slot universes (fails if seeded)
  counts                            Show allocated/total per universe
  alloc-group [k=v ...]             Allocate the lowest free group slot
  alloc-perm [k=v ...]              Allocate the lowest free permission slot
  dealloc-group <pos> [pos ...]     Free group slots and strip all references
  dealloc-perm <pos> [pos ...]      Free permission slots and strip all references
  groups [pos ...]                  List allocated groups (or specific positions)
  perms [pos ...]                   List allocated permissions
  groups-by-perms <pos> [pos ...]   Groups holding any of the permissions
  resolve <pos> [pos ...]           Union of permissions for the given groups
  grant <groups> <perms>            Add permissions to groups, e.g. grant 1,2 5,6
  revoke <groups> <perms>           Remove permissions from groups
  user-create [k=v ...]             Create a user with metadata
  users [k=v ...]                   List users matching a metadata filter
  users-by-groups <pos> [pos ...]   Users in any of the groups
  users-by-perms <pos> [pos ...]    Users holding any of the permissions
  user-remove <k=v> [k=v ...]       Delete users matching the filter
  join <groups> [k=v ...]           Subscribe matching users to groups
  leave <groups> [k=v ...]          Unsubscribe matching users from groups
  recalc [k=v ...]                  Recompute derived permissions for users
  expand-groups <bytes>             Grow the group universe
  shrink-groups <bytes>             Shrink the group universe (free tail only)
  expand-perms <bytes>              Grow the permission universe
  shrink-perms <bytes>              Shrink the permission universe
  clear                             Clear the screen
  exit                              Save history and quit`)
}

func (r *REPL) report(err error) {
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Println("ok")
}

func (r *REPL) cmdCounts() {
	gAlloc, gFree, err := r.g.CountGroupSlots(r.ctx)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	pAlloc, pFree, err := r.g.CountPermissionSlots(r.ctx)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("groups:      %d/%d allocated\n", gAlloc, gAlloc+gFree)
	fmt.Printf("permissions: %d/%d allocated\n", pAlloc, pAlloc+pFree)
}

func (r *REPL) cmdAlloc(args []string, group bool) {
	meta, err := parseMetadata(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if group {
		grp, allocErr := r.g.AllocateGroup(r.ctx, meta)
		if allocErr != nil {
			fmt.Println("error:", allocErr)

			return
		}

		fmt.Printf("allocated group %d\n", grp.Position)

		return
	}

	perm, allocErr := r.g.AllocatePermission(r.ctx, meta)
	if allocErr != nil {
		fmt.Println("error:", allocErr)

		return
	}

	fmt.Printf("allocated permission %d\n", perm.Position)
}

func (r *REPL) cmdDealloc(args []string, group bool) {
	positions, err := parsePositions(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if !r.confirm(fmt.Sprintf("Deallocate %d slot(s) and strip all references? [y/N] ", len(positions))) {
		fmt.Println("aborted")

		return
	}

	if group {
		r.report(r.g.DeallocateGroups(r.ctx, positions))

		return
	}

	r.report(r.g.DeallocatePermissions(r.ctx, positions))
}

func (r *REPL) cmdGroups(args []string) {
	var (
		groups []gibbon.Group
		err    error
	)

	if len(args) == 0 {
		groups, err = r.g.FindAllAllocatedGroups(r.ctx)
	} else {
		var positions []int

		positions, err = parsePositions(args)
		if err == nil {
			groups, err = r.g.FindGroups(r.ctx, positions)
		}
	}

	if err != nil {
		fmt.Println("error:", err)

		return
	}

	for _, grp := range groups {
		fmt.Printf("group %-5d perms=%v %s\n", grp.Position, grp.PermissionsMask.Positions(), formatMetadata(grp.Metadata))
	}

	fmt.Printf("(%d groups)\n", len(groups))
}

func (r *REPL) cmdPerms(args []string) {
	var (
		perms []gibbon.Permission
		err   error
	)

	if len(args) == 0 {
		perms, err = r.g.FindAllAllocatedPermissions(r.ctx)
	} else {
		var positions []int

		positions, err = parsePositions(args)
		if err == nil {
			perms, err = r.g.FindPermissions(r.ctx, positions)
		}
	}

	if err != nil {
		fmt.Println("error:", err)

		return
	}

	for _, p := range perms {
		fmt.Printf("perm %-5d %s\n", p.Position, formatMetadata(p.Metadata))
	}

	fmt.Printf("(%d permissions)\n", len(perms))
}

func (r *REPL) cmdGroupsByPerms(args []string) {
	positions, err := parsePositions(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	groups, err := r.g.FindGroupsByPermissions(r.ctx, positions)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	for _, grp := range groups {
		fmt.Printf("group %-5d perms=%v %s\n", grp.Position, grp.PermissionsMask.Positions(), formatMetadata(grp.Metadata))
	}

	fmt.Printf("(%d groups)\n", len(groups))
}

func (r *REPL) cmdResolve(args []string) {
	positions, err := parsePositions(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	mask, err := r.g.GetPermissionsForGroups(r.ctx, positions)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("permissions: %v\n", mask.Positions())
}

func (r *REPL) cmdGrant(args []string) {
	groups, perms, err := parseGroupPermPair(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.report(r.g.SubscribePermissionsToGroups(r.ctx, groups, perms))
}

func (r *REPL) cmdRevoke(args []string) {
	groups, perms, err := parseGroupPermPair(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.report(r.g.UnsubscribePermissionsFromGroups(r.ctx, groups, perms))
}

func (r *REPL) cmdUserCreate(args []string) {
	meta, err := parseMetadata(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	user, err := r.g.CreateUser(r.ctx, meta)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("created user %v\n", user.ID)
}

func (r *REPL) cmdUsers(args []string) {
	filter, err := parseFilter(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	users, err := r.g.FindUsers(r.ctx, filter)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.printUsers(users)
}

func (r *REPL) cmdUsersByGroups(args []string) {
	positions, err := parsePositions(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	users, err := r.g.FindUsersByGroups(r.ctx, positions)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.printUsers(users)
}

func (r *REPL) cmdUsersByPerms(args []string) {
	positions, err := parsePositions(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	users, err := r.g.FindUsersByPermissions(r.ctx, positions)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.printUsers(users)
}

func (r *REPL) printUsers(users []gibbon.User) {
	for _, u := range users {
		fmt.Printf("user %v groups=%v perms=%v %s\n",
			u.ID, u.GroupsMask.Positions(), u.PermissionsMask.Positions(), formatMetadata(u.Metadata))
	}

	fmt.Printf("(%d users)\n", len(users))
}

func (r *REPL) cmdUserRemove(args []string) {
	filter, err := parseFilter(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if len(filter) == 0 {
		fmt.Println("error: refusing to remove without a filter")

		return
	}

	if !r.confirm("Remove all matching users? [y/N] ") {
		fmt.Println("aborted")

		return
	}

	n, err := r.g.RemoveUsers(r.ctx, filter)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("removed %d user(s)\n", n)
}

func (r *REPL) cmdJoin(args []string) {
	if len(args) < 1 {
		fmt.Println("error: usage: join <groups> [k=v ...]")

		return
	}

	groups, err := parseCommaPositions(args[0])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	filter, err := parseFilter(args[1:])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.report(r.g.SubscribeUsersToGroups(r.ctx, filter, groups))
}

func (r *REPL) cmdLeave(args []string) {
	if len(args) < 1 {
		fmt.Println("error: usage: leave <groups> [k=v ...]")

		return
	}

	groups, err := parseCommaPositions(args[0])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	filter, err := parseFilter(args[1:])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.report(r.g.UnsubscribeUsersFromGroups(r.ctx, filter, groups))
}

func (r *REPL) cmdRecalc(args []string) {
	filter, err := parseFilter(args)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	r.report(r.g.RecalculatePermissions(r.ctx, filter))
}

func (r *REPL) cmdResize(cmd string, args []string) {
	if len(args) != 1 {
		fmt.Printf("error: usage: %s <bytes>\n", cmd)

		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("error: not a byte length:", args[0])

		return
	}

	if strings.HasPrefix(cmd, "shrink") {
		if !r.confirm(fmt.Sprintf("Shrink to %d bytes (%d slots)? [y/N] ", n, 8*n)) {
			fmt.Println("aborted")

			return
		}
	}

	switch cmd {
	case "expand-groups":
		err = r.g.ExpandGroups(r.ctx, n)
	case "shrink-groups":
		err = r.g.ShrinkGroups(r.ctx, n)
	case "expand-perms":
		err = r.g.ExpandPermissions(r.ctx, n)
	case "shrink-perms":
		err = r.g.ShrinkPermissions(r.ctx, n)
	}

	r.report(err)
}

// confirm prompts for a yes/no answer. Anything but y/yes is no.
func (r *REPL) confirm(prompt string) bool {
	answer, err := r.liner.Prompt(prompt)
	if err != nil {
		return false
	}

	answer = strings.ToLower(strings.TrimSpace(answer))

	return answer == "y" || answer == "yes"
}

// parsePositions parses whitespace-separated 1-based positions.
func parsePositions(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one position required")
	}

	out := make([]int, 0, len(args))

	for _, a := range args {
		more, err := parseCommaPositions(a)
		if err != nil {
			return nil, err
		}

		out = append(out, more...)
	}

	return out, nil
}

// parseCommaPositions parses a comma-separated position list like "1,5,9".
func parseCommaPositions(arg string) ([]int, error) {
	fields := strings.Split(arg, ",")
	out := make([]int, 0, len(fields))

	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("not a position: %q", f)
		}

		out = append(out, n)
	}

	if len(out) == 0 {
		return nil, errors.New("at least one position required")
	}

	return out, nil
}

// parseGroupPermPair parses "grant 1,2 5,6" style arguments.
func parseGroupPermPair(args []string) (groups, perms []int, err error) {
	if len(args) != 2 {
		return nil, nil, errors.New("usage: <groups> <perms>, e.g. 1,2 5,6")
	}

	groups, err = parseCommaPositions(args[0])
	if err != nil {
		return nil, nil, err
	}

	perms, err = parseCommaPositions(args[1])
	if err != nil {
		return nil, nil, err
	}

	return groups, perms, nil
}

// parseMetadata parses k=v pairs into user supplied metadata.
func parseMetadata(args []string) (gibbon.Metadata, error) {
	if len(args) == 0 {
		return nil, nil
	}

	meta := make(gibbon.Metadata, len(args))

	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("not a k=v pair: %q", a)
		}

		meta[key] = value
	}

	return meta, nil
}

// parseFilter parses k=v pairs into a query filter. "_id" values are
// treated as hex ObjectIDs when they parse as one.
func parseFilter(args []string) (bson.M, error) {
	filter := bson.M{}

	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("not a k=v pair: %q", a)
		}

		if key == "_id" {
			if oid, err := primitive.ObjectIDFromHex(value); err == nil {
				filter[key] = oid

				continue
			}
		}

		filter[key] = value
	}

	return filter, nil
}

// formatMetadata renders metadata compactly for listings.
func formatMetadata(meta gibbon.Metadata) string {
	if len(meta) == 0 {
		return ""
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}

	return strings.Join(parts, " ")
}
