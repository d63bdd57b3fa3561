/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// sonarcli is the operator CLI of the sonar wire transport.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oceanscan/sonarwire/client"
	"github.com/oceanscan/sonarwire/param"
	"github.com/oceanscan/sonarwire/server"
	"github.com/oceanscan/sonarwire/sonar"
)

var (
	flagHost    string
	flagPort    int
	flagTimeout time.Duration
	flagNExec   int
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sonarcli",
	Short: "sonar wire transport client",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagHost, "host", "H", "127.0.0.1", "sonar host")
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", server.DefaultPort, "sonar control port")
	rootCmd.PersistentFlags().DurationVarP(&flagTimeout, "timeout", "t", client.DefaultTimeout, "RPC timeout per attempt")
	rootCmd.PersistentFlags().IntVarP(&flagNExec, "nexec", "n", client.DefaultExec, "RPC attempts, retried on timeout only")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(monitorCmd)
}

func dial() (*client.Client, error) {
	return client.Dial(client.Config{
		Host:    flagHost,
		Port:    flagPort,
		Timeout: flagTimeout,
		NExec:   flagNExec,
	}, nil)
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Fetch and print the parameter schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		schema := c.Schema()
		fmt.Printf("id: %s\n", schema.ID)
		fmt.Print(schema.Data)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name> [name...]",
	Short: "Read parameter values",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		values, err := c.Get(args)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{"name", "type", "value"})
		for i, name := range args {
			table.Append([]string{name, values[i].Kind().String(), values[i].Format()})
		}
		table.Render()
		return nil
	},
}

// parseValue turns a type/text pair into a typed value.
func parseValue(kind, text string) (param.Value, error) {
	switch kind {
	case "null":
		return param.Null(), nil
	case "bool":
		b, err := strconv.ParseBool(text)
		if err != nil {
			return param.Null(), err
		}
		return param.Bool(b), nil
	case "int64":
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return param.Null(), err
		}
		return param.Int64(n), nil
	case "float64":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return param.Null(), err
		}
		return param.Float(f), nil
	case "string":
		return param.String(text), nil
	}
	return param.Null(), fmt.Errorf("unrecognized type %q", kind)
}

var setCmd = &cobra.Command{
	Use:   "set <name> <type> <value> [name type value...]",
	Short: "Write parameter values",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%3 != 0 {
			return fmt.Errorf("arguments come in name/type/value triples")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var names []string
		var values []param.Value
		for i := 0; i < len(args); i += 3 {
			v, err := parseValue(args[i+1], args[i+2])
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			names = append(names, args[i])
			values = append(values, v)
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		if err = c.Set(names, values); err != nil {
			color.Red("FAIL")
			return err
		}
		color.Green("OK")
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Claim the master role and print incoming data messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		c.Subscribe(func(msg *sonar.Message) {
			fmt.Printf("%d id=%d type=%d rate=%g size=%d\n",
				msg.Time, msg.ID, msg.Type, msg.Rate, msg.Size)
		})
		if err = c.SetMaster(); err != nil {
			color.Red("set_master: FAIL")
			return err
		}
		host, port := c.ReceiverAddr()
		color.Green("set_master: OK, sink %s:%d", host, port)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
