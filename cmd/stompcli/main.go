// Command stompcli watches and publishes to STOMP destinations from the
// terminal and can run a throwaway local broker for demos.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
	"github.com/denwilliams/go-stomp-console/pkg/stomp"
)

var version = "dev"

type Globals struct {
	Login     string        `help:"STOMP login." env:"STOMP_LOGIN"`
	Passcode  string        `help:"STOMP passcode." env:"STOMP_PASSCODE"`
	Host      string        `help:"Virtual host sent in CONNECT."`
	Heartbeat time.Duration `help:"Heart-beat interval in both directions (0 disables)." default:"10s"`
	Timeout   time.Duration `help:"Time to wait for CONNECTED." default:"10s"`
	Debug     bool          `help:"Enable debug logging."`
}

type CLI struct {
	Globals

	Watch   WatchCmd         `cmd:"" help:"Subscribe to destinations and print every message."`
	Send    SendCmd          `cmd:"" help:"Publish one message."`
	Serve   ServeCmd         `cmd:"" help:"Run a local STOMP broker."`
	Version kong.VersionFlag `help:"Show version and exit."`
}

type WatchCmd struct {
	URL          string   `arg:"" help:"Broker URL (ws, wss, http, https, tcp or stomp)."`
	Destinations []string `arg:"" help:"Destinations to subscribe to."`
	Headers      bool     `help:"Print message headers."`
}

type SendCmd struct {
	URL         string            `arg:"" help:"Broker URL (ws, wss, http, https, tcp or stomp)."`
	Destination string            `arg:"" help:"Destination to publish to."`
	Body        string            `arg:"" help:"Message body."`
	Header      map[string]string `short:"H" help:"Extra SEND headers (key=value)."`
	ContentType string            `help:"content-type header." default:"application/json"`
}

type ServeCmd struct {
	Addr           string        `arg:"" optional:"" help:"Listen address." default:"127.0.0.1:61613"`
	OfferHeartbeat time.Duration `help:"Heart-beat interval the broker offers." default:"60s"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("stompcli"),
		kong.Description("Watch, publish to and serve STOMP destinations."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": version},
	)

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cli.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func (g *Globals) clientConfig(url string) stomp.Config {
	cfg := stomp.DefaultConfig()
	cfg.BrokerURL = url
	cfg.Login = g.Login
	cfg.Passcode = g.Passcode
	cfg.Host = g.Host
	cfg.HeartbeatOutgoing = g.Heartbeat
	cfg.HeartbeatIncoming = g.Heartbeat
	cfg.ConnectTimeout = g.Timeout
	return cfg
}

// session is a connected client plus the channel of its fatal error.
type session struct {
	client *stomp.Client
	failed chan error
}

// dial connects and waits for CONNECTED or the first failure.
func dial(ctx context.Context, cfg stomp.Config) (*session, error) {
	connected := make(chan struct{}, 1)
	s := &session{failed: make(chan error, 1)}

	s.client = stomp.NewClient(cfg, stomp.Handlers{
		OnConnect: func() {
			connected <- struct{}{}
		},
		OnError: func(message string, err error) {
			select {
			case s.failed <- errors.Wrap(err, message):
			default:
			}
		},
	}, stomp.WithLogger(logrus.WithField("pkg", "stompcli")))

	if err := s.client.Connect(); err != nil {
		s.client.Close()
		return nil, err
	}

	select {
	case <-connected:
		return s, nil
	case err := <-s.failed:
		s.client.Close()
		return nil, err
	case <-ctx.Done():
		s.client.Close()
		return nil, ctx.Err()
	}
}

func (s *session) close() {
	s.client.Disconnect()
	s.client.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (w *WatchCmd) Run(g *Globals) error {
	if len(w.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := dial(ctx, g.clientConfig(w.URL))
	if err != nil {
		return errors.Wrapf(err, "unable to connect to %s", w.URL)
	}
	defer s.close()

	info := s.client.Session()
	fmt.Fprintf(os.Stderr, "%s %s via %s (STOMP %s)\n",
		color.GreenString("connected"), info.BrokerURL, info.Transport, info.Version)

	for _, destination := range w.Destinations {
		id, err := s.client.SubscribeWithHeaders(destination, nil, w.print)
		if err != nil {
			return errors.Wrapf(err, "unable to subscribe to %s", destination)
		}
		fmt.Fprintf(os.Stderr, "%s %s (%s)\n", color.GreenString("subscribed"), destination, id)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.failed:
		return err
	}
}

func (w *WatchCmd) print(msg *stomp.Message) {
	fmt.Printf("%s %s\n",
		color.GreenString(msg.ReceivedAt.Format("15:04:05.000")),
		color.CyanString(msg.Destination))

	if w.Headers {
		headers := msg.Headers.Map()
		keys := make([]string, 0, len(headers))
		for key := range headers {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %s: %s\n", color.YellowString(key), headers[key])
		}
	}

	fmt.Println(strings.TrimRight(msg.BodyString(), "\n"))
}

func (c *SendCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := dial(ctx, g.clientConfig(c.URL))
	if err != nil {
		return errors.Wrapf(err, "unable to connect to %s", c.URL)
	}
	defer s.close()

	var headers frame.Headers
	for key, value := range c.Header {
		headers.Set(key, value)
	}
	if c.ContentType != "" && !headers.Contains(frame.HdrContentType) {
		headers.Set(frame.HdrContentType, c.ContentType)
	}

	if err := s.client.Publish(c.Destination, headers, []byte(c.Body)); err != nil {
		return errors.Wrapf(err, "unable to publish to %s", c.Destination)
	}

	fmt.Fprintf(os.Stderr, "%s %d bytes to %s\n", color.GreenString("sent"), len(c.Body), c.Destination)
	return nil
}

func (c *ServeCmd) Run(g *Globals) error {
	l, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", c.Addr)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := &server.Server{
		Addr:      c.Addr,
		HeartBeat: c.OfferHeartbeat,
		Log:       brokerLogger{logrus.WithField("pkg", "broker")},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	fmt.Fprintf(os.Stderr, "%s on stomp://%s\n", color.GreenString("broker listening"), l.Addr())

	select {
	case <-ctx.Done():
		l.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// brokerLogger adapts logrus to the go-stomp logger.
type brokerLogger struct {
	*logrus.Entry
}

func (l brokerLogger) Debug(message string)   { l.Entry.Debug(message) }
func (l brokerLogger) Info(message string)    { l.Entry.Info(message) }
func (l brokerLogger) Warning(message string) { l.Entry.Warning(message) }
func (l brokerLogger) Error(message string)   { l.Entry.Error(message) }
