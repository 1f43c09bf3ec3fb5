package cli

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lancall/lancall/internal/discovery"
	"github.com/lancall/lancall/internal/logger"
	"github.com/lancall/lancall/internal/media"
	"github.com/lancall/lancall/internal/session"
)

var (
	flagName    string
	flagPort    int
	flagConnect string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:  `lancall`,
	Long: `lancall places peer to peer calls between endpoints on the local network`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()
		if flagVerbose {
			log.SetLevel(logrus.DebugLevel)
		}

		name := flagName
		if name == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "lancall"
			}
			name = host
		}

		disc, err := discovery.NewLAN(discovery.Config{
			InstanceID:  uuid.NewString(),
			DisplayName: name,
			Port:        flagPort,
			Logger:      log,
		})
		if err != nil {
			log.Fatal(err)
			return
		}
		defer disc.Close()
		log.Infof("signaling listener on %s", disc.Addr())

		m, err := session.New(session.Config{
			DisplayName: name,
			Discovery:   disc,
			Media:       media.NewWebRTC(log),
			Logger:      log,
		})
		if err != nil {
			log.Fatal(err)
			return
		}

		// Headless endpoint: there is no presentation layer, so gate
		// transitions complete as soon as they are announced. The
		// --connect target is matched against discovered peers by name
		// and dialed once.
		directDial := flagConnect != "" && strings.Contains(flagConnect, ":")
		dialed := directDial
		m.OnChange(func(s session.Snapshot) {
			fields := logrus.Fields{"state": s.State, "gate": s.Gate}
			if s.Peer != nil {
				fields["peer"] = s.Peer.DisplayName
			}
			log.WithFields(fields).Info("session")
			if s.RemoteClosed {
				log.Info("remote peer ended the call")
				m.ClearRemoteClosed()
			}
			switch s.Gate {
			case session.GateOpening, session.GateClosing:
				m.CompleteTransition()
			}
			if flagConnect != "" && !dialed && s.State == session.StateBrowsing {
				for _, p := range s.Peers {
					if p.DisplayName == flagConnect || p.Addr == flagConnect {
						dialed = true
						log.WithField("peer", p.DisplayName).Info("calling")
						m.Connect(p)
						break
					}
				}
			}
		})

		m.Start()
		defer m.Stop()
		m.StartAdvertising()
		m.StartBrowsing()

		if directDial {
			// A host:port target needs no discovery round trip.
			m.Connect(discovery.Peer{DisplayName: flagConnect, Addr: flagConnect})
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done
		log.Info("exiting...")
		m.Disconnect()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name advertised to peers (default: hostname)")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "signaling listen port (default: ephemeral)")
	rootCmd.Flags().StringVarP(&flagConnect, "connect", "c", "", "host:port of a peer to call on startup")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}
