// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the commandline interface for netxfer.
package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/metal-stack/netxfer/bootp"
	"github.com/metal-stack/netxfer/netxfer"
	"github.com/metal-stack/netxfer/tftp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CLI runs the netxfer commandline.
func CLI() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

// This represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netxfer",
	Short: "Minimal BOOTP and TFTP network boot server",
	Long: `netxfer brings up a diskless device: it answers one BOOTP request,
assigning the device an address and naming its boot file, then serves that
file over TFTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
		return initLogger()
	},
	SilenceUsage: true,
}

var (
	cfgFile string
	log     = zap.NewNop().Sugar()
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().Bool("debug", false, "log debug messages, including decoded packets")
	rootCmd.PersistentFlags().String("metrics-listen", "", "serve prometheus metrics on this address, e.g. :2112")
	rootCmd.PersistentFlags().String("trace", "", "write a pcap trace of all BOOTP and TFTP packets to this file")
}

func initConfig() {
	if cfgFile != "" { // enable ability to specify config file via flag
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("Error reading configuration file %q: %s\n", viper.ConfigFileUsed(), err)
			os.Exit(1)
		}
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	viper.SetEnvPrefix("netxfer")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

func initLogger() error {
	var (
		zlog *zap.Logger
		err  error
	)
	if viper.GetBool("debug") {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("unable to create logger: %w", err)
	}
	log = zlog.Sugar()
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serverConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen-addr", "", "IPv4 address to listen on (default all)")
	cmd.Flags().String("interface", "", "only answer BOOTP requests arriving on this interface")
	cmd.Flags().Int("bootp-port", bootp.ServerPort, "port to listen on for BOOTP requests")
	cmd.Flags().Int("tftp-port", tftp.ServerPort, "port to listen on for TFTP requests")
	cmd.Flags().String("reply-addr", "", "send BOOTP replies here instead of broadcasting them")
	cmd.Flags().String("your-addr", "", "IPv4 address to assign the client (yiaddr)")
	cmd.Flags().String("server-addr", "", "IPv4 address of the TFTP server (siaddr)")
	cmd.Flags().String("gateway-addr", "", "IPv4 address of the gateway (giaddr)")
	cmd.Flags().String("server-name", "", "server host name (sname)")
	cmd.Flags().String("boot-file", bootp.DefaultBootFilename, "boot file name sent to the client")
	cmd.Flags().Int("max-blksize", tftp.DefaultMaxBlockSize, "largest TFTP block size a client may negotiate")
	cmd.Flags().Duration("timeout", tftp.DefaultTimeout, "how long to wait for a TFTP ACK before retransmitting")
	cmd.Flags().Int("retries", tftp.DefaultRetries, "retransmissions of one TFTP packet before giving up, negative for unlimited")
}

// serverFromFlags builds a Server from the flags registered by
// serverConfigFlags. The returned cleanup func closes the trace file.
func serverFromFlags(ctx context.Context, file string) (*netxfer.Server, func()) {
	s := &netxfer.Server{
		Address:      viper.GetString("listen-addr"),
		Interface:    viper.GetString("interface"),
		BOOTPPort:    viper.GetInt("bootp-port"),
		TFTPPort:     viper.GetInt("tftp-port"),
		YourAddr:     viper.GetString("your-addr"),
		ServerAddr:   viper.GetString("server-addr"),
		GatewayAddr:  viper.GetString("gateway-addr"),
		ServerName:   viper.GetString("server-name"),
		BootFilename: viper.GetString("boot-file"),
		File:         file,
		MaxBlockSize: viper.GetInt("max-blksize"),
		Timeout:      viper.GetDuration("timeout"),
		Retries:      viper.GetInt("retries"),
		Log:          log,
	}
	if s.Retries == 0 {
		// Zero would mean the package default, not "never retry".
		fatalf("--retries must not be 0")
	}

	if ra := viper.GetString("reply-addr"); ra != "" {
		addr, err := parseReplyAddr(ra)
		if err != nil {
			fatalf("Invalid --reply-addr: %s", err)
		}
		s.ReplyAddr = addr
	}

	if addr := viper.GetString("metrics-listen"); addr != "" {
		reg := netxfer.NewRegistry()
		s.Metrics = netxfer.NewMetrics(reg)
		go func() {
			if err := netxfer.ServeMetrics(ctx, addr, reg, log); err != nil {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	cleanup := func() {}
	if path := viper.GetString("trace"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			fatalf("Couldn't create trace file: %s", err)
		}
		s.Trace = f
		cleanup = func() {
			if err := f.Close(); err != nil {
				log.Errorw("closing trace file", "error", err)
			}
		}
	}
	return s, cleanup
}

// parseReplyAddr accepts "ip" or "ip:port", defaulting the port to
// bootp.ClientPort.
func parseReplyAddr(s string) (*net.UDPAddr, error) {
	host, port := s, strconv.Itoa(bootp.ClientPort)
	if h, p, err := net.SplitHostPort(s); err == nil {
		host, port = h, p
	}
	ip, err := bootp.ParseIPv4(host)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	return &net.UDPAddr{IP: ip, Port: n}, nil
}

func fatalf(msg string, args ...interface{}) {
	fmt.Printf(msg+"\n", args...)
	os.Exit(1)
}
