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

import (
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/metal-stack/netxfer/tftp"
	pintftp "github.com/pin/tftp"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch SERVER FILENAME",
	Short: "Download FILENAME from a TFTP server",
	Long: `Download FILENAME from the TFTP server at SERVER, which may carry a
port (default 10069). Useful to check a running netxfer from another host.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		if output == "" {
			output = path.Base(args[1])
		}
		blksize, err := cmd.Flags().GetInt("blksize")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		retries, err := cmd.Flags().GetInt("retries")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}

		n, err := fetch(serverAddr(args[0]), args[1], output, blksize, timeout, retries)
		if err != nil {
			fatalf("Fetching %q from %s failed: %s", args[1], args[0], err)
		}
		log.Infow("fetched file", "file", args[1], "output", output, "bytes", n)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringP("output", "o", "", "where to write the file (default: base name of FILENAME)")
	fetchCmd.Flags().Int("blksize", 0, "request this block size (default: none, 512 byte blocks)")
	fetchCmd.Flags().Duration("timeout", tftp.DefaultTimeout, "how long to wait for each packet")
	fetchCmd.Flags().Int("retries", tftp.DefaultRetries, "how often to resend a packet")
}

// serverAddr appends the default TFTP port to addr if it has none.
func serverAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(tftp.ServerPort))
}

func fetch(server, filename, output string, blksize int, timeout time.Duration, retries int) (int64, error) {
	c, err := pintftp.NewClient(server)
	if err != nil {
		return 0, err
	}
	c.SetTimeout(timeout)
	c.SetRetries(retries)
	if blksize > 0 {
		c.SetBlockSize(blksize)
	}

	wt, err := c.Receive(filename, "octet")
	if err != nil {
		return 0, err
	}
	f, err := os.Create(output)
	if err != nil {
		return 0, err
	}
	n, err := wt.WriteTo(f)
	if err != nil {
		f.Close()
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", output, err)
	}
	return n, nil
}
