package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var errNotSignedIn = errors.New("not signed in")

type app struct {
	cfg     config.Config
	manager *session.Manager
	closer  func()
	stdin   *bufio.Reader
	stdout  io.Writer
}

func newApp(ctx context.Context, cfg config.Config, storeKind string, reg prometheus.Registerer, stdin io.Reader, stdout io.Writer) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg, storeKind)
	if err != nil {
		return nil, err
	}

	manager, err := session.New(cfg.GetAPIBaseURL(), store,
		session.WithLogger(log.Logger),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithTimeout(cfg.GetRequestTimeout()),
		session.WithInspector(token.NewInspector(token.WithThreshold(cfg.GetExpiryThreshold()))),
		session.WithClientOptions(authclient.WithEndpoints(endpoints(cfg.GetAuthPrefix()))),
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	if err := manager.Init(ctx); err != nil {
		manager.Close()
		closeStore()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		manager: manager,
		closer: func() {
			manager.Close()
			closeStore()
		},
		stdin:  bufio.NewReader(stdin),
		stdout: stdout,
	}, nil
}

func endpoints(prefix string) authclient.Endpoints {
	e := authclient.DefaultEndpoints()
	if prefix == "" {
		return e
	}
	for _, p := range []*string{&e.Login, &e.Refresh, &e.Verify, &e.Register, &e.Google, &e.Me} {
		*p = prefix + *p
	}
	return e
}

func (a *app) close() {
	a.closer()
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	case "google-login":
		return a.googleLogin(ctx, args)
	case "logout":
		return a.logout(ctx)
	case "whoami":
		return a.whoami()
	case "refresh":
		return a.refresh(ctx)
	case "verify":
		return a.verify(ctx)
	case "get":
		return a.get(ctx, args)
	case "profile":
		return a.profile(ctx, args)
	case "passwd":
		return a.passwd(ctx, args)
	case "delete":
		return a.deleteAccount(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("login", flag.ContinueOnError)
	email := flags.String("email", "", "account email")
	password := flags.String("password", "", "account password (prompted when empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *email == "" {
		*email = a.prompt("Email: ")
	}
	if *password == "" {
		*password = a.prompt("Password: ")
	}

	user, err := a.manager.LoginWithPassword(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Signed in as %s\n", user.Email)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("register", flag.ContinueOnError)
	email := flags.String("email", "", "account email")
	password := flags.String("password", "", "account password (prompted when empty)")
	fullName := flags.String("full-name", "", "full name")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *email == "" {
		*email = a.prompt("Email: ")
	}
	if *password == "" {
		*password = a.prompt("Password: ")
	}

	req := authmodel.RegisterRequest{Email: *email, Password: *password, RePassword: *password}
	if *fullName != "" {
		req.FullName = utils.Ptr(*fullName)
	}

	user, err := a.manager.Register(ctx, req)
	if err != nil {
		return err
	}
	if a.manager.State() == session.Authenticated {
		fmt.Fprintf(a.stdout, "Registered and signed in as %s\n", user.Email)
		return nil
	}
	fmt.Fprintf(a.stdout, "Registered %s. Activate the account, then run authctl login.\n", utils.FirstNonEmpty(user.Email, *email))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Signed out")
	return nil
}

func (a *app) whoami() error {
	s := a.manager.Snapshot()
	if s.State != session.Authenticated || s.User == nil {
		return errNotSignedIn
	}

	fmt.Fprintf(a.stdout, "id:        %d\nemail:     %s\nfull name: %s\n", s.User.ID, s.User.Email, s.User.FullName)
	if exp, ok := token.ExpiryTime(s.AccessToken); ok {
		fmt.Fprintf(a.stdout, "access token expires: %s\n", exp.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (a *app) refresh(ctx context.Context) error {
	if a.manager.State() != session.Authenticated {
		return errNotSignedIn
	}

	access, err := a.manager.RefreshAccessToken(ctx)
	if err != nil {
		return err
	}
	if exp, ok := token.ExpiryTime(access); ok {
		fmt.Fprintf(a.stdout, "Access token refreshed, expires %s\n", exp.Local().Format("2006-01-02 15:04:05"))
		return nil
	}
	fmt.Fprintln(a.stdout, "Access token refreshed")
	return nil
}

func (a *app) verify(ctx context.Context) error {
	access := a.manager.Snapshot().AccessToken
	if access == "" {
		return errNotSignedIn
	}

	valid, err := a.manager.Client().Verify(ctx, access)
	if err != nil {
		return err
	}
	if valid {
		fmt.Fprintln(a.stdout, "valid")
		return nil
	}
	fmt.Fprintln(a.stdout, "invalid")
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: authctl get PATH")
	}
	path := args[0]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.manager.Client().BaseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.manager.AuthorizedClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(a.stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &authmodel.BackendError{Op: "get " + path, Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (a *app) profile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: authctl profile NAME")
	}

	user, err := a.manager.UpdateProfile(ctx, authmodel.UpdateProfileRequest{FullName: strings.Join(args, " ")})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Full name set to %q\n", user.FullName)
	return nil
}

func (a *app) passwd(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("passwd", flag.ContinueOnError)
	current := flags.String("current", "", "current password (prompted when empty)")
	next := flags.String("new", "", "new password (prompted when empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *current == "" {
		*current = a.prompt("Current password: ")
	}
	if *next == "" {
		*next = a.prompt("New password: ")
	}

	if err := a.manager.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: *current, NewPassword: *next}); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Password changed")
	return nil
}

func (a *app) deleteAccount(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("delete", flag.ContinueOnError)
	yes := flags.Bool("yes", false, "skip the confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if !*yes && !strings.EqualFold(a.prompt("Type DELETE to delete your account: "), "delete") {
		fmt.Fprintln(a.stdout, "Aborted")
		return nil
	}

	if err := a.manager.DeleteAccount(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Account deleted")
	return nil
}

func (a *app) prompt(label string) string {
	fmt.Fprint(a.stdout, label)
	line, _ := a.stdin.ReadString('\n')
	return strings.TrimSpace(line)
}
