// cluster-builds is a thin driver over the build engine, mainly for
// operating and debugging the in-cluster build setup by hand: it reads a
// module and provider definition from YAML and runs a status check or a
// build against the configured cluster.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/openshift/cluster-builds/pkg/api"
	"github.com/openshift/cluster-builds/pkg/engine"
)

type options struct {
	kubeconfig   string
	moduleFile   string
	providerFile string
	session      string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:          "cluster-builds",
		Short:        "Check and run container image builds against a cluster",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", os.Getenv("KUBECONFIG"), "Path to the kubeconfig file")
	root.PersistentFlags().StringVar(&opts.moduleFile, "module", "", "Path to the module definition (YAML)")
	root.PersistentFlags().StringVar(&opts.providerFile, "provider", "", "Path to the provider configuration (YAML)")
	root.PersistentFlags().StringVar(&opts.session, "session", defaultSession(), "Session identifier scoping remote staging paths")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the module's image is already built and published",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(func(ctx context.Context, e *engine.Engine, m *api.Module, p *api.ProviderConfig) (interface{}, error) {
					return e.GetBuildStatus(ctx, m, p)
				})
			},
		},
		&cobra.Command{
			Use:   "build",
			Short: "Build and publish the module's image",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(func(ctx context.Context, e *engine.Engine, m *api.Module, p *api.ProviderConfig) (interface{}, error) {
					return e.Build(ctx, m, p)
				})
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) run(fn func(context.Context, *engine.Engine, *api.Module, *api.ProviderConfig) (interface{}, error)) error {
	module := &api.Module{}
	if err := readYAML(o.moduleFile, module); err != nil {
		return err
	}
	provider := &api.ProviderConfig{}
	if err := readYAML(o.providerFile, provider); err != nil {
		return err
	}

	config, err := clientcmd.BuildConfigFromFlags("", o.kubeconfig)
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %v", err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return err
	}

	e := engine.New(engine.Config{
		Client:       client,
		RESTConfig:   config,
		SessionID:    o.session,
		LocalBuilder: newDockerCLIBuilder(),
		Fetcher:      dockerCLIFetcher{},
		Docker:       newDockerClient(),
		LogSink:      os.Stderr,
	})

	out, err := fn(context.Background(), e, module, provider)
	if err != nil {
		return err
	}
	encoded, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Print(string(encoded))
	return nil
}

func readYAML(path string, into interface{}) error {
	if path == "" {
		return fmt.Errorf("a definition file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parsing %s: %v", path, err)
	}
	return nil
}

func defaultSession() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}
