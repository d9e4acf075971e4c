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

package cli

import "github.com/spf13/cobra"

var bootCmd = &cobra.Command{
	Use:   "boot FILE",
	Short: "Answer one BOOTP request, then serve FILE over TFTP once",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		s, cleanup := serverFromFlags(ctx, args[0])
		defer cleanup()

		if err := s.Boot(ctx); err != nil {
			log.Errorw("boot failed", "error", err)
			cleanup()
			fatalf("Boot failed: %s", err)
		}
		log.Infow("boot handshake complete", "file", args[0])
	},
}

var bootpCmd = &cobra.Command{
	Use:   "bootp",
	Short: "Answer one BOOTP request",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		s, cleanup := serverFromFlags(ctx, "")
		defer cleanup()

		reply, err := s.RespondBOOTP(ctx)
		if err != nil {
			cleanup()
			fatalf("BOOTP exchange failed: %s", err)
		}
		log.Infow("answered BOOTP request", "mac", reply.HardwareAddr, "yiaddr", reply.YourAddr)
	},
}

var tftpCmd = &cobra.Command{
	Use:   "tftp FILE",
	Short: "Serve FILE over TFTP",
	Long: `Serve FILE to every TFTP read request, whatever file name it asks
for. Clients are served one at a time until interrupted, or just once with
--once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		s, cleanup := serverFromFlags(ctx, args[0])
		defer cleanup()

		once, err := cmd.Flags().GetBool("once")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		if once {
			err = s.TransferFile(ctx)
		} else {
			err = s.ServeTFTP(ctx)
		}
		if err != nil {
			cleanup()
			fatalf("TFTP server failed: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	serverConfigFlags(bootCmd)

	rootCmd.AddCommand(bootpCmd)
	serverConfigFlags(bootpCmd)

	rootCmd.AddCommand(tftpCmd)
	serverConfigFlags(tftpCmd)
	tftpCmd.Flags().Bool("once", false, "exit after the first transfer")
}
