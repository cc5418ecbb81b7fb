// Command famlite is a small terminal client for a FamLite backend. It signs
// in, joins a group and keeps the task board live through the event channel.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/channel"
	"github.com/AngusTso/FamLite-Split/domain"
	"github.com/AngusTso/FamLite-Split/gateway"
	"github.com/AngusTso/FamLite-Split/session"
	"github.com/AngusTso/FamLite-Split/sync"
)

// coreRelay forwards channel callbacks to the core. It exists only to break
// the construction cycle: the channel needs a handler before the core exists.
type coreRelay struct {
	core *sync.Core
}

func (r *coreRelay) HandleEvent(ev domain.Event) {
	if r.core != nil {
		r.core.HandleEvent(ev)
	}
}

func (r *coreRelay) HandleReconnected() {
	if r.core != nil {
		r.core.HandleReconnected()
	}
}

func (r *coreRelay) HandleConnectivityLost() {
	if r.core != nil {
		r.core.HandleConnectivityLost()
	}
}

func main() {
	_ = godotenv.Load()

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	baseURL := os.Getenv("FAMLITE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	wsURL := os.Getenv("FAMLITE_WS_URL")
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Fatalf("home dir: %v", err)
	}
	store, err := session.NewFileStore(filepath.Join(home, ".famlite", "session.json"))
	if err != nil {
		logger.Fatalf("session store: %v", err)
	}

	gw, err := gateway.New(gateway.Config{BaseURL: baseURL, Credentials: store, Logger: logger})
	if err != nil {
		logger.Fatalf("gateway: %v", err)
	}

	ctx := context.Background()
	in := bufio.NewScanner(os.Stdin)

	user, err := signIn(ctx, gw, store, in)
	if err != nil {
		logger.Fatalf("sign in: %v", err)
	}
	fmt.Printf("signed in as %s\n", user.Name)

	group, err := pickGroup(ctx, gw, user, in)
	if err != nil {
		logger.Fatalf("group: %v", err)
	}
	fmt.Printf("group %q (invite code %s)\n", group.Name, group.InviteCode)

	relay := &coreRelay{}
	ch, err := channel.New(channel.Config{
		URL:         wsURL,
		Credentials: store,
		Handler:     relay,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("channel: %v", err)
	}
	defer ch.Close()

	core := sync.New(sync.Config{Gateway: gw, Channel: ch, Logger: logger})
	defer core.Close()
	relay.core = core

	if err := ch.Connect(ctx); err != nil {
		fmt.Printf("event channel unavailable, board may go stale: %v\n", err)
	}
	if err := core.LoadGroup(group.ID); err != nil {
		logger.Fatalf("load group: %v", err)
	}

	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	go func() {
		for c := range changes {
			switch c.Kind {
			case sync.ChangeSnapshotLoaded, sync.ChangeTasks:
				renderBoard(core)
			case sync.ChangeSnapshotFailed:
				fmt.Printf("! snapshot failed: %v\n", c.Err)
			case sync.ChangeCommandFailed:
				fmt.Printf("! command %s failed: %v\n", c.CommandID, c.Err)
			case sync.ChangeConnectivityLost:
				fmt.Println("! connection lost, board is stale")
			case sync.ChangeConnectivityRestored:
				fmt.Println("connection restored")
			}
		}
	}()

	fmt.Println("commands: add <name> | toggle <n> | shuffle | refresh | quit")
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "quit", "exit":
			return
		case "refresh":
			renderBoard(core)
		case "add":
			_, err := core.IssueCommand(sync.Command{
				Kind: sync.CommandCreate,
				Task: domain.Task{Name: strings.TrimSpace(rest), CreatedBy: user.ID},
			})
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "toggle":
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			tasks := core.Tasks()
			if err != nil || n < 1 || n > len(tasks) {
				fmt.Println("! toggle needs a task number from the board")
				continue
			}
			if _, err := core.IssueCommand(sync.Command{Kind: sync.CommandToggle, TaskID: tasks[n-1].ID}); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "shuffle":
			if err := core.Shuffle(group.ID); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			fmt.Printf("! unknown command %q\n", cmd)
		}
	}
}

func renderBoard(core *sync.Core) {
	tasks := core.Tasks()
	if core.Stale() {
		fmt.Println("-- board (stale) --")
	} else {
		fmt.Println("-- board --")
	}
	if len(tasks) == 0 {
		fmt.Println("  (no tasks)")
		return
	}
	for i, t := range tasks {
		mark := " "
		if t.IsCompleted {
			mark = "x"
		}
		line := fmt.Sprintf("%3d [%s] %s", i+1, mark, t.Name)
		if t.AssignedTo != "" {
			line += " -> " + t.AssignedTo
		}
		if t.DueDate != nil {
			line += " (due " + t.DueDate.Format(time.DateOnly) + ")"
		}
		fmt.Println(line)
	}
}

func signIn(ctx context.Context, gw *gateway.Client, store *session.FileStore, in *bufio.Scanner) (domain.User, error) {
	if sess, ok, err := store.Load(); err == nil && ok && sess.Token != "" {
		return sess.User, nil
	}

	fmt.Print("login or register? [l/r] ")
	if !in.Scan() {
		return domain.User{}, fmt.Errorf("aborted")
	}
	register := strings.HasPrefix(strings.ToLower(strings.TrimSpace(in.Text())), "r")

	var username string
	if register {
		username = prompt(in, "username: ")
	}
	email := prompt(in, "email: ")
	password := prompt(in, "password: ")

	var (
		sess gateway.Session
		err  error
	)
	if register {
		sess, err = gw.Register(ctx, username, email, password)
	} else {
		sess, err = gw.Login(ctx, email, password)
	}
	if err != nil {
		return domain.User{}, err
	}
	if err := store.Save(session.Session{Token: sess.Token, User: sess.User}); err != nil {
		return domain.User{}, err
	}
	return sess.User, nil
}

func pickGroup(ctx context.Context, gw *gateway.Client, user domain.User, in *bufio.Scanner) (domain.Group, error) {
	groups, err := gw.Groups(ctx, user.ID)
	if err != nil {
		return domain.Group{}, err
	}
	if len(groups) == 0 {
		fmt.Print("no groups yet. create or join? [c/j] ")
		if !in.Scan() {
			return domain.Group{}, fmt.Errorf("aborted")
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(in.Text())), "j") {
			return gw.JoinGroup(ctx, prompt(in, "invite code: "), user.ID)
		}
		return gw.CreateGroup(ctx, prompt(in, "group name: "), user.ID)
	}
	if len(groups) == 1 {
		return groups[0], nil
	}
	for i, g := range groups {
		fmt.Printf("%3d %s\n", i+1, g.Name)
	}
	for {
		n, err := strconv.Atoi(prompt(in, "pick a group: "))
		if err == nil && n >= 1 && n <= len(groups) {
			return groups[n-1], nil
		}
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}
