package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/bridge"
	"github.com/caffeineduck/pybridge/classifiers"
	"github.com/caffeineduck/pybridge/dataset"
	"github.com/caffeineduck/pybridge/registry"
	"github.com/caffeineduck/pybridge/security"
	"github.com/caffeineduck/pybridge/tensor"
)

const replHelp = `Commands:
  load <file.arff> [class]   Load a dataset (class: attribute name, or "first")
  model <name>               Create a classifier (see 'models')
  set <json>                 Set hyperparameters, e.g. set {"C": 10}
  fit                        Fit the classifier on the loaded dataset
  score                      Score the classifier on the loaded dataset
  predict [n]                Print the first n predicted labels (default 10)
  proba [n]                  Print the first n rows of class probabilities
  info                       Show classifier state and structure
  graph                      Print the model graph, when the family has one
  version                    Print the estimator package version
  models                     List model families
  help                       Show this help
  exit, quit                 Leave the REPL`

var errQuit = errors.New("quit")

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive session with a loaded dataset and classifier",
		Long: `Start an interactive session. Load a dataset, pick a model, tweak
hyperparameters and refit without restarting the runtime.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'help' for commands, 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.pyclf_history)")
	return cmd
}

// replState is the session a REPL line operates on.
type replState struct {
	reg     *registry.Registry
	log     *zap.Logger
	catalog *classifiers.Catalog

	data *dataset.Dataset
	X, y *tensor.Tensor
	clf  *bridge.Classifier
}

func (s *replState) close() {
	if s.clf != nil {
		s.clf.Close()
		s.clf = nil
	}
}

// exec runs one command line, writing results to w. It returns errQuit on
// exit or quit.
func (s *replState) exec(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, rest := fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd {
	case "exit", "quit":
		return errQuit
	case "help":
		fmt.Fprintln(w, replHelp)
		return nil
	case "models":
		renderModels(w, s.catalog.List())
		return nil
	case "load":
		return s.load(fields[1:], w)
	case "model":
		return s.model(fields[1:], w)
	case "set":
		return s.set(rest, w)
	case "fit":
		return s.fit(w)
	case "score":
		return s.score(w)
	case "predict", "proba":
		n := 10
		if len(fields) > 1 {
			if _, err := fmt.Sscan(fields[1], &n); err != nil || n <= 0 {
				return fmt.Errorf("invalid count %q", fields[1])
			}
		}
		if cmd == "predict" {
			return s.predict(n, w)
		}
		return s.proba(n, w)
	case "info":
		return s.info(w)
	case "graph":
		return s.graph(w)
	case "version":
		return s.version(w)
	}
	return fmt.Errorf("unknown command %q (type 'help')", cmd)
}

func (s *replState) load(args []string, w io.Writer) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: load <file.arff> [class]")
	}
	var (
		data *dataset.Dataset
		err  error
	)
	switch {
	case len(args) == 1:
		data, err = dataset.LoadARFF(args[0], true)
	case args[1] == "first":
		data, err = dataset.LoadARFF(args[0], false)
	default:
		data, err = dataset.LoadARFFClass(args[0], args[1])
	}
	if err != nil {
		return err
	}
	X, y, err := data.Tensors()
	if err != nil {
		return err
	}
	s.data, s.X, s.y = data, X, y
	fmt.Fprintf(w, "%s: %d samples, %d features, %d classes (%s)\n",
		data.Relation, data.Samples(), data.Features(), len(data.Labels), data.ClassName)
	return nil
}

func (s *replState) model(args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: model <name>")
	}
	family, ok := s.catalog.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown model %q: use one of %v", args[0], s.catalog.Names())
	}
	clf, err := newClassifier(s.reg, s.log, family, nil)
	if err != nil {
		return err
	}
	s.close()
	s.clf = clf
	fmt.Fprintf(w, "%s ready (%s)\n", family.Name, family.Qualified())
	return nil
}

func (s *replState) set(raw string, w io.Writer) error {
	if err := s.requireModel(); err != nil {
		return err
	}
	if raw == "" {
		return errors.New("usage: set <json>")
	}
	hyper, err := security.ParseHyperparameters([]byte(raw))
	if err != nil {
		return err
	}
	if err := s.clf.SetHyperparameters(hyper); err != nil {
		return err
	}
	if s.clf.State() == bridge.Fitted {
		fmt.Fprintln(w, "stored; refit to apply")
		return nil
	}
	fmt.Fprintf(w, "hyperparameters: %v\n", s.clf.Hyperparameters())
	return nil
}

func (s *replState) fit(w io.Writer) error {
	if err := s.requireData(); err != nil {
		return err
	}
	if err := s.clf.Fit(s.X, s.y); err != nil {
		return err
	}
	fmt.Fprintln(w, "fitted")
	return nil
}

func (s *replState) score(w io.Writer) error {
	if err := s.requireData(); err != nil {
		return err
	}
	score, err := s.clf.Score(s.X, s.y)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%.6f\n", score)
	return nil
}

func (s *replState) predict(n int, w io.Writer) error {
	if err := s.requireData(); err != nil {
		return err
	}
	pred, err := s.clf.Predict(s.X)
	if err != nil {
		return err
	}
	labels := pred.Int32s()
	for i := 0; i < min(n, len(labels)); i++ {
		fmt.Fprintf(w, "%d\t%s\n", i, s.data.Labels[labels[i]])
	}
	return nil
}

func (s *replState) proba(n int, w io.Writer) error {
	if err := s.requireData(); err != nil {
		return err
	}
	proba, err := s.clf.PredictProba(s.X)
	if err != nil {
		return err
	}
	shape := proba.Shape()
	for i := 0; i < min(n, shape[0]); i++ {
		row := make([]string, shape[1])
		for j := range row {
			row[j] = fmt.Sprintf("%.4f", proba.At(i, j))
		}
		fmt.Fprintf(w, "%d\t%s\n", i, strings.Join(row, " "))
	}
	return nil
}

func (s *replState) info(w io.Writer) error {
	if err := s.requireModel(); err != nil {
		return err
	}
	fields := []field{
		{"model", s.clf.Family().Name},
		{"state", s.clf.State()},
		{"hyperparameters", s.clf.Hyperparameters()},
	}
	if s.clf.State() == bridge.Fitted {
		nodes, err := s.clf.NumberOfNodes()
		if err != nil {
			return err
		}
		edges, err := s.clf.NumberOfEdges()
		if err != nil {
			return err
		}
		states, err := s.clf.NumberOfStates()
		if err != nil {
			return err
		}
		fields = append(fields, field{"nodes", nodes}, field{"edges", edges}, field{"states", states})
	}
	printFields(w, "", fields)
	return nil
}

func (s *replState) graph(w io.Writer) error {
	if err := s.requireModel(); err != nil {
		return err
	}
	g, err := s.clf.Graph()
	if err != nil {
		return err
	}
	if g == "" {
		fmt.Fprintf(w, "%s has no graph\n", s.clf.Family().Name)
		return nil
	}
	fmt.Fprintln(w, g)
	return nil
}

func (s *replState) version(w io.Writer) error {
	if err := s.requireModel(); err != nil {
		return err
	}
	v, err := s.clf.Version()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, v)
	return nil
}

func (s *replState) requireModel() error {
	if s.clf == nil {
		return errors.New("no model: use 'model <name>'")
	}
	return nil
}

func (s *replState) requireData() error {
	if err := s.requireModel(); err != nil {
		return err
	}
	if s.data == nil {
		return errors.New("no dataset: use 'load <file.arff>'")
	}
	return nil
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pyclf_history")
	}

	reg, log, err := openSharedRegistry(cmd)
	if err != nil {
		return err
	}

	state := &replState{reg: reg, log: log, catalog: classifiers.DefaultCatalog()}
	defer state.close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "pyclf> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(cmd.ErrOrStderr(), "pyclf REPL (type 'help' for commands, Ctrl+D to exit)")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("pyclf> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString(" ")
			inMultiLine = true
			rl.SetPrompt("...    ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("pyclf> ")
		}

		if err := state.exec(strings.TrimSpace(line), out); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}
}
