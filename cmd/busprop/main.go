// Command busprop inspects services on a DBus bus through the
// event-loop driven sysbus client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/freedesktop/systemd"
	"github.com/danderson/busloop/internal/config"
	"github.com/danderson/busloop/internal/logging"
	"github.com/danderson/busloop/reactor"
	"github.com/danderson/busloop/sysbus"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Config    string `flag:"config,Configuration file (default: busprop/config.toml in the user config dir)"`
	Session   bool   `flag:"session,Connect to session bus instead of system bus"`
	Address   string `flag:"address,DBus address to connect to, overriding the configured bus"`
	LogLevel  string `flag:"log-level,Log level: trace, debug, info, warn or error"`
	LogFormat string `flag:"log-format,Log format: auto, text or json"`
}

func main() {
	root := &command.C{
		Name:     "busprop",
		Usage:    "command args...",
		Help:     "Inspect DBus services and their properties.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "get",
				Usage: "get peer object interface property",
				Help: `Print a string property.

The property is looked up in the result of
org.freedesktop.DBus.Properties.GetAll on the given object. If the
object lists the property more than once, the last value is printed.`,
				Run: command.Adapt(runGet),
			},
			{
				Name:  "props",
				Usage: "props peer object interface [property-regexp]",
				Help:  "List the properties of an interface.",
				Run:   runProps,
			},
			{
				Name:  "names",
				Usage: "names [name-regexp]",
				Help: `List names on the bus.

Well-known names are shown with the unique name of their owner.`,
				Run: runNames,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "unit",
				Usage: "unit name",
				Help:  "Show the description and state of a systemd unit.",
				Run:   command.Adapt(runUnit),
			},
			{
				Name:  "watch",
				Usage: "watch",
				Help: `Poll the queries listed in the configuration file.

Every query is sent asynchronously once per poll interval, and its
result is printed whenever it changes. For example:

  poll_interval_seconds = 5

  [[query]]
  name = "sshd"
  service = "org.freedesktop.systemd1"
  object = "/org/freedesktop/systemd1/unit/sshd_2eservice"
  interface = "org.freedesktop.systemd1.Unit"
  property = "ActiveState"
`,
				Run: command.Adapt(runWatch),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

// session is a bus client running on its own event loop.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	loop   *reactor.Loop
	client *sysbus.Client
}

func loadConfig() (*config.Config, error) {
	path := globalArgs.Config
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, fmt.Errorf("finding config file: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if globalArgs.Session {
		cfg.Bus = "session"
	}
	if globalArgs.Address != "" {
		cfg.Address = globalArgs.Address
	}
	if globalArgs.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(globalArgs.LogLevel)
	}
	if globalArgs.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(globalArgs.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func connect(env *command.Env) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("creating event loop: %w", err)
	}

	ctx, cancel := context.WithTimeout(env.Context(), 25*time.Second)
	defer cancel()
	client, err := sysbus.Connect(ctx, loop, sysbus.Options{
		Logger:  logger,
		Timeout: cfg.CallTimeout(),
		Session: cfg.Bus == "session",
		Address: cfg.BusAddress(),
	})
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("connecting to %s bus: %w", cfg.Bus, err)
	}
	return &session{cfg, logger, loop, client}, nil
}

func (s *session) Close() {
	s.client.Conn().Close()
	s.loop.Close()
}

func runGet(env *command.Env, peer, object, iface, property string) error {
	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	v, ok := s.client.GetProperty(peer, dbus.ObjectPath(object), iface, property).GetOK()
	if !ok {
		return fmt.Errorf("%s on %s has no string property %s.%s", object, peer, iface, property)
	}
	fmt.Println(v)
	return nil
}

func runProps(env *command.Env) error {
	if len(env.Args) < 3 || len(env.Args) > 4 {
		return env.Usagef("props requires a peer, an object and an interface")
	}
	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	props, err := s.client.GetAllProperties(args[0], dbus.ObjectPath(args[1]), args[2])
	if err != nil {
		return fmt.Errorf("listing properties of %s on %s: %w", args[2], args[1], err)
	}
	ks := slices.Collect(slice.Select(slices.Sorted(maps.Keys(props)), pf.MatchString))

	out := indenter{w: os.Stdout}
	out.f("%s %s", args[0], args[1])
	out.indent(1)
	out.v(args[2])
	out.indent(2)
	for _, k := range ks {
		out.f("%s: %# v", k, pretty.Formatter(props[k].Native()))
	}
	return nil
}

func runNames(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("names takes at most one filter")
	}
	nf, err := regexp.Compile(growTo(env.Args, 1)[0])
	if err != nil {
		return err
	}

	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.client.ListNames()
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	for n := range slice.Select(names, nf.MatchString) {
		if strings.HasPrefix(n, ":") {
			fmt.Println(n)
			continue
		}
		owner, err := s.client.GetNameOwner(n)
		if err != nil {
			fmt.Printf("%s (getting owner: %v)\n", n, err)
			continue
		}
		fmt.Printf("%s (%s)\n", n, owner)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	if err := s.client.Ping(peer); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s is alive (%v)\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runUnit(env *command.Env, name string) error {
	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	mgr := systemd.New(s.client)
	path, err := mgr.LoadUnit(name)
	if err != nil {
		return fmt.Errorf("loading unit %s: %w", name, err)
	}
	out := indenter{w: os.Stdout}
	out.f("%s (%s)", name, path)
	out.indent(1)
	for _, prop := range []string{"Description", "LoadState", "ActiveState", "SubState"} {
		v, ok := s.client.GetProperty(systemd.BusName, path, systemd.UnitInterface, prop).GetOK()
		if !ok {
			v = "(unknown)"
		}
		out.f("%s: %s", prop, v)
	}
	return nil
}

func runWatch(env *command.Env) error {
	s, err := connect(env)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(s.cfg.Queries) == 0 {
		return errors.New("no queries configured, see busprop help watch")
	}
	w := newWatcher(s.client, s.cfg.Queries, os.Stdout)
	w.poll()
	s.loop.AddTimer(s.cfg.PollInterval(), func() bool {
		w.poll()
		return true
	})

	err = s.loop.Run(env.Context())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
