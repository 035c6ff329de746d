package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/config"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/packet"
	"github.com/go-rho/railway/lib/railway"
	"github.com/go-rho/railway/lib/util/signals"
)

var log = logger.GetGoI2PLogger()

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "railway",
	Short: "Encrypted multi-hop packet transport fabric",
	Long: `railway builds tunnels over ordered paths of stations and moves
packets through them under layered authenticated encryption.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the railway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh station key pair and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Printf("public:  %s\n", hex.EncodeToString(kp.Public.Export()))
		fmt.Printf("private: %s\n", hex.EncodeToString(kp.Private.Export()))
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo [message]",
	Short: "Route a message through a three-station tunnel",
	Long: `demo builds an in-process fabric with stations alpha, beta and gamma,
negotiates a tunnel across them, and routes a message hop by hop,
printing the ciphertext at each stage.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := "hello railway"
		if len(args) == 1 {
			msg = args[0]
		}
		return runDemo(msg)
	},
}

func runDemo(msg string) error {
	r := railway.NewWithConfig(config.FromViper())
	path := []string{"alpha", "beta", "gamma"}
	for _, id := range path {
		if _, err := r.RegisterStation(id); err != nil {
			return err
		}
	}
	id, err := r.CreateTunnel(path)
	if err != nil {
		return err
	}
	signals.RegisterInterruptHandler(func() {
		_ = r.DestroyTunnel(id)
		os.Exit(0)
	})

	pkt, err := r.Send(id, buffer.FromBytes([]byte(msg)), packet.Forward)
	if err != nil {
		return err
	}
	fmt.Printf("tunnel %d over %v\n", id, path)
	fmt.Printf("at %s -> %s: %s\n", pkt.Source, pkt.Destination, pkt.Payload().Deci())

	for {
		res, err := r.Route(pkt)
		if err != nil {
			return err
		}
		if res.Delivered() {
			fmt.Printf("delivered: %q\n", string(res.Plaintext.Export()))
			return r.DestroyTunnel(id)
		}
		pkt = res.Next
		fmt.Printf("at %s -> %s: %s\n", pkt.Source, pkt.Destination, pkt.Payload().Deci())
	}
}

// reloadConfig re-reads the config file so tunables pick up edits without
// a restart. Wired to SIGHUP.
func reloadConfig() {
	config.InitConfig()
	log.Debug("configuration reloaded")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "",
		"config file (default is $HOME/.go-railway/config.yaml)")
	cobra.OnInitialize(config.InitConfig)
	signals.RegisterReloadHandler(reloadConfig)
	rootCmd.AddCommand(versionCmd, keygenCmd, demoCmd)
}

func main() {
	go signals.Handle()
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
