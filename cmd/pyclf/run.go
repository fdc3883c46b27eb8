package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/bridge"
	"github.com/caffeineduck/pybridge/classifiers"
	"github.com/caffeineduck/pybridge/dataset"
	"github.com/caffeineduck/pybridge/registry"
	"github.com/caffeineduck/pybridge/security"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <dataset.arff>",
		Short: "Fit a model on a dataset and report its score",
		Long: `Fit a classifier on an ARFF dataset, score it on the same data and print
the model's size.

Examples:
  pyclf run iris.arff --model stree
  pyclf run iris.arff --model svc --hyper '{"C": 10, "kernel": "rbf"}'
  pyclf run diabetes.arff --model xgboost --class class`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	addModelFlags(cmd)
	cmd.Flags().Bool("class-first", false, "Class is the first attribute (default: last)")
	cmd.Flags().String("class", "", "Name of the class attribute")
	return cmd
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("model", "m", "stree", "Model family (see 'pyclf models')")
	cmd.Flags().String("hyper", "", "Hyperparameters as a JSON object")
}

func runRun(cmd *cobra.Command, args []string) error {
	classFirst, _ := cmd.Flags().GetBool("class-first")
	className, _ := cmd.Flags().GetString("class")

	var (
		data *dataset.Dataset
		err  error
	)
	if className != "" {
		data, err = dataset.LoadARFFClass(args[0], className)
	} else {
		data, err = dataset.LoadARFF(args[0], !classFirst)
	}
	if err != nil {
		return err
	}
	X, y, err := data.Tensors()
	if err != nil {
		return err
	}

	family, hyper, err := modelFromFlags(cmd)
	if err != nil {
		return err
	}

	reg, log, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	clf, err := newClassifier(reg, log, family, hyper)
	if err != nil {
		return err
	}
	defer clf.Close()

	if err := clf.Fit(X, y); err != nil {
		return err
	}
	score, err := clf.Score(X, y)
	if err != nil {
		return err
	}
	nodes, err := clf.NumberOfNodes()
	if err != nil {
		return err
	}
	edges, err := clf.NumberOfEdges()
	if err != nil {
		return err
	}
	states, err := clf.NumberOfStates()
	if err != nil {
		return err
	}

	printFields(cmd.OutOrStdout(), family.Name, []field{
		{"dataset", fmt.Sprintf("%s (%d samples, %d features, %d classes)", args[0], data.Samples(), data.Features(), len(data.Labels))},
		{"score", fmt.Sprintf("%.6f", score)},
		{"nodes", nodes},
		{"edges", edges},
		{"states", states},
	})
	return nil
}

// modelFromFlags resolves --model and parses --hyper.
func modelFromFlags(cmd *cobra.Command) (classifiers.Family, security.Hyperparameters, error) {
	name, _ := cmd.Flags().GetString("model")
	raw, _ := cmd.Flags().GetString("hyper")

	family, ok := classifiers.DefaultCatalog().Get(name)
	if !ok {
		return classifiers.Family{}, nil, fmt.Errorf("unknown model %q: use one of %v", name, classifiers.DefaultCatalog().Names())
	}
	if raw == "" {
		return family, nil, nil
	}
	hyper, err := security.ParseHyperparameters([]byte(raw))
	if err != nil {
		return classifiers.Family{}, nil, err
	}
	return family, hyper, nil
}

func newClassifier(reg *registry.Registry, log *zap.Logger, family classifiers.Family, hyper security.Hyperparameters) (*bridge.Classifier, error) {
	clf, err := bridge.New(reg, family, bridge.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if len(hyper) > 0 {
		if err := clf.SetHyperparameters(hyper); err != nil {
			clf.Close()
			return nil, err
		}
	}
	return clf, nil
}
