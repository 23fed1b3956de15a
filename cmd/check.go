package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/services"
)

var (
	checkUser     int64
	checkGroup    int64
	checkPriority string
	checkEnforce  bool
	checkTimeout  time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one user against a group's required channels",
	Long: `Evaluate one user against a group's required channels and print the
verdict as JSON. With --enforce the verdict is applied as an admin
trigger: the user is restricted, prompted or unrestricted.

Examples:
  changuard check --user 42 --group=-1001234567890
  changuard check --user 42 --group=-1001234567890 --priority batch
  changuard check --user 42 --group=-1001234567890 --enforce`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Int64Var(&checkUser, "user", 0, "platform user id")
	checkCmd.Flags().Int64Var(&checkGroup, "group", 0, "protected group id")
	checkCmd.Flags().StringVar(&checkPriority, "priority", "interactive", "dispatch lane: interactive, event or batch")
	checkCmd.Flags().BoolVar(&checkEnforce, "enforce", false, "apply the verdict")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "overall deadline")
	_ = checkCmd.MarkFlagRequired("user")
	_ = checkCmd.MarkFlagRequired("group")
}

// checkOutput is what check prints.
type checkOutput struct {
	GroupID    int64   `json:"group_id"`
	UserID     int64   `json:"user_id"`
	Allowed    bool    `json:"allowed"`
	Evaluated  bool    `json:"evaluated"`
	Channels   []int64 `json:"channels"`
	Missing    []int64 `json:"missing"`
	Unknown    []int64 `json:"unknown"`
	Dispatched int     `json:"dispatched"`
	Action     string  `json:"action,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkUser == 0 || checkGroup == 0 {
		return fmt.Errorf("--user and --group must be non-zero")
	}
	p, ok := dispatcher.ParsePriority(checkPriority)
	if !ok {
		return fmt.Errorf("unknown priority %q", checkPriority)
	}

	e, err := buildEngine(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(cctx)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	var (
		out  checkOutput
		verr error
	)
	if checkEnforce {
		res, err := e.gatekeeper.Handle(ctx, services.Event{GroupID: checkGroup, UserID: checkUser, Trigger: services.TriggerAdmin})
		out = newCheckOutput(res.Verdict, err)
		out.Action = string(res.Outcome.Action)
		verr = err
	} else {
		v, err := e.verifier.Evaluate(ctx, checkUser, checkGroup, p)
		out = newCheckOutput(v, err)
		verr = err
	}
	out.GroupID, out.UserID = checkGroup, checkUser

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if verr != nil && !services.IsEvaluationError(verr) {
		return verr
	}
	return nil
}

func newCheckOutput(v services.Verdict, err error) checkOutput {
	out := checkOutput{
		Allowed:    v.Allowed,
		Evaluated:  err == nil || !services.IsEvaluationError(err),
		Channels:   nonNilIDs(v.Channels),
		Missing:    nonNilIDs(v.Missing),
		Unknown:    nonNilIDs(v.Unknown),
		Dispatched: v.Dispatched,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
