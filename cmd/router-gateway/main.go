/*
Copyright 2024 The Datum Authors.

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

package main

import (
	"context"
	goflags "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/datum-net/router/pkg/gateway"
	gatewayoptions "github.com/datum-net/router/pkg/gateway/options"
)

func main() {
	flags := pflag.NewFlagSet("router-gateway", pflag.ExitOnError)
	pflag.CommandLine = flags

	cmd := NewGatewayCommand()

	// setup klog
	fs := goflags.NewFlagSet("klog", goflags.PanicOnError)
	klog.InitFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func NewGatewayCommand() *cobra.Command {
	options := gatewayoptions.NewOptions()

	cmd := &cobra.Command{
		Use:   "router-gateway",
		Short: "Route and balance traffic to multi-cluster services",
		Long: heredoc.Doc(`
			router-gateway is the data plane of the service router.

			It matches incoming requests against a declarative route table,
			balances them across the ready endpoints of the target service, and
			forwards with retries, per-service circuit breaking, and distributed
			trace propagation. TLS termination is optional; with a client CA
			configured the gateway verifies client certificates and can check
			them for revocation.`),
		Example: heredoc.Doc(`
			# serve plaintext with a static route table
			router-gateway --routes-file=routes.yaml --listen-address=:8080

			# terminate mutual TLS and require client certificates
			router-gateway --routes-file=routes.yaml \
			  --tls-cert-file=server.crt --tls-key-file=server.key \
			  --client-ca-file=ca.crt --require-client-cert`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := options.Complete(); err != nil {
				return err
			}
			if errs := options.Validate(); len(errs) > 0 {
				return utilerrors.NewAggregate(errs)
			}

			config, err := gateway.NewConfig(options)
			if err != nil {
				return err
			}

			server, err := gateway.NewServer(config.Complete())
			if err != nil {
				return err
			}
			prepared, err := server.PrepareRun(cmd.Context())
			if err != nil {
				return err
			}
			return prepared.Run(cmd.Context())
		},
	}

	options.AddFlags(cmd.Flags())
	return cmd
}
