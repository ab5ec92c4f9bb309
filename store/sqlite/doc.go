// Package sqlite provides durable session and approval stores on SQLite.
//
// The store uses the pure Go modernc.org/sqlite driver and applies embedded
// schema migrations through golang-migrate on Open. Use ":memory:" as path
// for an ephemeral database in tests.
//
// Example:
//
//	st, err := sqlite.Open(ctx, sqlite.Config{Path: "relay.db"})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	relay := agentrelay.New(func(o *agentrelay.Options) {
//	    o.SessionStore = st
//	    o.ApprovalStore = st
//	})
package sqlite
