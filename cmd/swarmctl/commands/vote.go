package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmkit/consensus"
	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/shutdown"
)

var (
	voteTopic      string
	voteChoices    []string
	voteQuorum     int
	voteTimeout    time.Duration
	voteChoice     string
	voteConfidence float64
	voteWait       time.Duration
)

var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Run quorum votes over the message bus",
	Long: `Votes travel over the bus configured in [bus]. Use the nats or redis
backend so that agents in other processes can take part.`,
}

var voteStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a vote session and print its result",
	Long: `Start announces a session, optionally casts this agent's own vote with
--choice, then waits for quorum or the timeout and prints the result.`,
	Example: `  swarmctl vote start --topic deploy --choices yes,no --quorum 3 --timeout 1m`,
	Args:    cobra.NoArgs,
	RunE:    runVoteStart,
}

var voteJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Vote in the next session announced by another agent",
	Long: `Join waits for an active session from another agent (matching --topic
when given), casts --choice with --confidence, then prints the result once
the owner finalizes it.`,
	Example: `  swarmctl vote join --topic deploy --choice yes --confidence 0.9`,
	Args:    cobra.NoArgs,
	RunE:    runVoteJoin,
}

func init() {
	voteStartCmd.Flags().StringVar(&voteTopic, "topic", "", "What the vote decides (required)")
	voteStartCmd.Flags().StringSliceVar(&voteChoices, "choices", nil, "Allowed choices, comma separated (required)")
	voteStartCmd.Flags().IntVar(&voteQuorum, "quorum", 1, "Distinct voters needed to finalize early")
	voteStartCmd.Flags().DurationVar(&voteTimeout, "timeout", 0, "Session timeout (default from consensus.default_timeout)")
	voteStartCmd.Flags().StringVar(&voteChoice, "choice", "", "Cast this agent's vote for CHOICE")
	voteStartCmd.Flags().Float64Var(&voteConfidence, "confidence", 1, "Confidence for --choice, 0 to 1")
	_ = voteStartCmd.MarkFlagRequired("topic")
	_ = voteStartCmd.MarkFlagRequired("choices")

	voteJoinCmd.Flags().StringVar(&voteTopic, "topic", "", "Only join sessions with this topic")
	voteJoinCmd.Flags().StringVar(&voteChoice, "choice", "", "Choice to vote for (required)")
	voteJoinCmd.Flags().Float64Var(&voteConfidence, "confidence", 1, "Confidence, 0 to 1")
	voteJoinCmd.Flags().DurationVar(&voteWait, "wait", time.Minute, "How long to wait for a session to appear")
	_ = voteJoinCmd.MarkFlagRequired("choice")

	voteCmd.AddCommand(voteStartCmd, voteJoinCmd)
	rootCmd.AddCommand(voteCmd)
}

// startManager connects the bus and starts a vote manager on it. Both are
// stopped by the runtime's shutdown phases.
func startManager(ctx context.Context, rt *runtime) (*consensus.Manager, error) {
	mb, err := rt.bus(ctx)
	if err != nil {
		return nil, err
	}
	cfg := consensus.Config{
		SubjectPrefix: rt.cfg.Consensus.SubjectPrefix,
		Retention:     rt.cfg.Consensus.Retention.Std(),
	}
	m := consensus.NewManager(mb, cfg,
		consensus.WithLogger(rt.logger), consensus.WithTracer(rt.tracer), consensus.WithMetrics(rt.metrics))
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	rt.shutdown.RegisterFunc("consensus", shutdown.PhaseCoordination, func(context.Context) error {
		return m.Stop()
	})
	return m, nil
}

func runVoteStart(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	ctx, stop := rt.shutdown.SignalContext(cmd.Context())
	defer stop()

	m, err := startManager(ctx, rt)
	if err != nil {
		return err
	}

	timeout := voteTimeout
	if timeout <= 0 {
		timeout = rt.cfg.Consensus.DefaultTimeout.Std()
	}
	sess, err := m.InitiateVote(ctx, voteTopic, voteChoices, voteQuorum, timeout, rt.cfg.AgentID)
	if err != nil {
		return err
	}
	rt.logger.Info("vote opened", map[string]interface{}{"session": sess.SessionID, "topic": sess.Topic})

	if voteChoice != "" && !m.CastVote(sess.SessionID, rt.cfg.AgentID, voteChoice, voteConfidence) {
		return swarmerr.Validation("vote for " + voteChoice + " was rejected")
	}

	if _, err := m.Wait(ctx, sess.SessionID); err != nil {
		return err
	}
	final, _ := m.Session(sess.SessionID)
	return printJSON(cmd.OutOrStdout(), final)
}

func runVoteJoin(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	ctx, stop := rt.shutdown.SignalContext(cmd.Context())
	defer stop()

	m, err := startManager(ctx, rt)
	if err != nil {
		return err
	}

	sess, err := awaitSession(ctx, m, voteTopic, voteWait)
	if err != nil {
		return err
	}
	if !m.CastVote(sess.SessionID, rt.cfg.AgentID, voteChoice, voteConfidence) {
		return swarmerr.Validation("vote for " + voteChoice + " was rejected in session " + sess.SessionID)
	}
	rt.logger.Info("vote cast", map[string]interface{}{"session": sess.SessionID, "choice": voteChoice})

	if _, err := m.Wait(ctx, sess.SessionID); err != nil {
		return err
	}
	final, _ := m.Session(sess.SessionID)
	return printJSON(cmd.OutOrStdout(), final)
}

// awaitSession polls for an active session owned by another node.
func awaitSession(ctx context.Context, m *consensus.Manager, topic string, wait time.Duration) (consensus.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, s := range m.Sessions() {
			if s.Owned || s.Status != consensus.StatusActive {
				continue
			}
			if topic == "" || s.Topic == topic {
				return s, nil
			}
		}
		select {
		case <-ctx.Done():
			return consensus.Session{}, swarmerr.Wrap(ctx.Err(), "no vote session announced")
		case <-ticker.C:
		}
	}
}
