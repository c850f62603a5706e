package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kisan-ai/kcc-assistant/engine/app"
	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/spf13/cobra"
)

type querier interface {
	Query(ctx context.Context, question string) (domain.QueryResult, error)
}

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question, or start an interactive session",
		Long:  "With a question, prints one answer and exits. Without one, reads questions line by line until exit or quit.",
		RunE:  runAsk,
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		res, err := a.Service.Query(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		printResult(out, res)
		return nil
	}
	return interactive(cmd.Context(), a.Service, cmd.InOrStdin(), out)
}

// interactive answers one question per input line. Blank lines are
// skipped; exit or quit ends the session.
func interactive(ctx context.Context, svc querier, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Welcome to the KCC Query Assistant.")
	fmt.Fprintln(out, "Type 'exit' to quit.")

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nAsk your question: ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return nil
		}

		res, err := svc.Query(ctx, line)
		if err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				return err
			}
			fmt.Fprintf(out, "\n%v\n", verr.Wrapped)
			continue
		}
		printResult(out, res)
	}
}

func printResult(w io.Writer, res domain.QueryResult) {
	fmt.Fprintf(w, "\nSOURCE: %s\n", res.Source)
	if len(res.Context) > 0 {
		fmt.Fprint(w, "\nCONTEXT USED:\n\n")
		for i, c := range res.Context {
			fmt.Fprintf(w, "[%d] %s\n\n", i+1, c)
		}
	}
	if res.Failed() {
		fmt.Fprintf(w, "\nERROR: %s\n", res.Error)
	} else {
		fmt.Fprintf(w, "\nRESPONSE:\n%s\n", res.Answer)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}
