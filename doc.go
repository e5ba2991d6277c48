// Package coeditd exposes the Go APIs behind the single-binary coordination
// daemon for collaborative editing in a multi-tenant CMS: TTL-based edit
// locks, viewer presence, auto-saved drafts, and the review workflow, served
// over a small HTTP JSON API in front of pluggable storage.
//
// # Running a server
//
// The server listens on `Config.Listen` and stores its records in the
// backend selected by `Config.Store` (`mem://` or `sqlite://<path>`).
//
//	cfg := coeditd.Config{
//	    Store:  "sqlite:///var/lib/coeditd/coeditd.db",
//	    Listen: ":9350",
//	}
//	srv, err := coeditd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("coeditd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("coeditd shutdown: %v", err)
//	    }
//	}()
//
// # Clients
//
// The client package wraps the HTTP API and adds the collaboration loops an
// editor frontend needs: a PresenceTracker with heartbeat and viewer polling,
// and an AutoSaver with debounced single-flight draft saves. OpenSession
// bundles a lock, a tracker, and a saver for one resource.
//
//	cli, err := client.New("http://localhost:9350",
//	    client.WithUser("alice", "Alice"))
//	if err != nil { log.Fatal(err) }
//	sess, err := cli.OpenSession(ctx, client.SessionConfig{ResourceID: "post-7"})
//	if err != nil { log.Fatal(err) }
//	defer sess.Close(ctx)
//	sess.Edit("updated draft body")
//
// # Testing
//
// StartTestServer boots a server on an ephemeral loopback port with an
// in-memory backend and registers cleanup with the test. Everything that
// reads a clock or arms a timer goes through internal/clock, so both the
// server and the client loops can be driven deterministically with a manual
// clock in tests.
package coeditd
