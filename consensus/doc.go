// Package consensus runs quorum votes between agents over a message bus.
//
// A Manager owns the sessions it initiates. Each session has a fixed set of
// choices, a quorum of distinct voting agents and a timeout. A session is
// finalized exactly once, by whichever comes first:
//
//   - the vote that brings the number of distinct voters up to quorum, or
//   - the session's own timeout timer.
//
// Finalization tallies the votes and publishes the result. The result
// always says whether quorum was reached, so a caller can refuse a
// timeout-forced result for an irreversible action.
//
// # Winner selection
//
// The winner is the choice with the most votes. Ties go to the highest
// summed confidence, then to the lexicographically smallest choice. A
// session with no votes has no winner.
//
// # Bus events
//
// Every event is an Envelope on one of three subjects under the configured
// prefix (default "consensus"):
//
//	consensus.initiated   VOTE_INITIATED  {session_id, topic, choices, quorum, timeout_seconds, initiated_by}
//	consensus.vote        AGENT_VOTE      {vote_id, session_id, agent_id, choice, confidence, timestamp}
//	consensus.results     VOTE_RESULTS    {session_id, topic, result, completed_at}
//
// A started Manager mirrors sessions announced by other nodes, so local
// agents can vote on them. Their votes are forwarded to the owner, which
// alone finalizes. Mirrored sessions complete when the owner's results
// arrive.
//
// # Usage
//
//	mgr := consensus.NewManager(mb, consensus.Config{NodeID: "node-1"})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//
//	s, err := mgr.InitiateVote(ctx, "deploy v2?", []string{"yes", "no"}, 3, 30*time.Second, "planner")
//	mgr.CastVote(s.SessionID, "agent-1", "yes", 0.9)
//	res, err := mgr.Wait(ctx, s.SessionID)
//	if res.QuorumReached && res.Winner != nil { ... }
package consensus
