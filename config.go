package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind        string
	port        int
	prefix      string
	profile     bool
	roomTimeout time.Duration
	sounds      string
	tlsCert     string
	tlsKey      string
	url         string
	verbose     bool
	version     bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.roomTimeout < 0 {
		return fmt.Errorf("invalid room timeout (must not be negative): %s", c.roomTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// bindEnv lets every flag in fs be set from SOUNDBOX_<FLAG>, unless it was
// given on the command line. The port also honors a bare PORT.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if f.Name == "port" {
			_ = v.BindEnv(f.Name, "SOUNDBOX_PORT", "PORT")
		} else {
			_ = v.BindEnv(f.Name)
		}
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SOUNDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "soundbox",
		Short:         "A shared soundboard: gestures on one screen play sounds on every screen.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SOUNDBOX_VERBOSE)")

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SOUNDBOX_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 3000, "port to listen on (env: SOUNDBOX_PORT, PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SOUNDBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SOUNDBOX_PROFILE)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 60*time.Minute, "time before empty rooms are closed, 0 to keep forever (env: SOUNDBOX_ROOM_TIMEOUT)")
	fs.StringVar(&cfg.sounds, "sounds", "sounds", "directory to serve sound files from (env: SOUNDBOX_SOUNDS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SOUNDBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SOUNDBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: SOUNDBOX_VERSION)")

	bindEnv(v, pfs)
	bindEnv(v, fs)

	cmd.AddCommand(newListenCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("soundbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newListenCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join a soundbox relay from the terminal.",
		Long: `Join a soundbox relay from the terminal.

Sounds played by other sessions are printed as they arrive. Each line read
from stdin is a local gesture, relayed to everyone else:

  tap                 a single tap; two within 300ms play "meh"
  touch <y0> <y1>     a touch from y0 to y1 (a tap plus a swipe)
  swipe <dy>          vertical swipe; beyond -50 plays "happy", beyond 50 "sad"
  motion <x> <y> <z>  accelerometer sample; a hard shake plays "crazy"
  level <v>           microphone level; above 0.5 plays "confused"
  play <name>         play a sound directly`,
		Args: cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.url, "url", "u", "ws://localhost:3000/ws", "websocket URL of the relay (env: SOUNDBOX_URL)")

	bindEnv(v, fs)

	return cmd
}
