package pendinghub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/orchestration-gateway/gateway/internal/protocol"
	"github.com/orchestration-gateway/gateway/internal/store"
)

var upgrader = websocket.Upgrader{}

func newTestHub(ttl time.Duration) (*Hub, func()) {
	dir := GinkgoT().TempDir()
	db, err := store.Open(filepath.Join(dir, "pending.db"))
	Expect(err).NotTo(HaveOccurred())

	hub := New(zerolog.Nop(), store.NewTokens(db), ttl)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	return hub, func() {
		cancel()
		_ = db.Close()
	}
}

// dialPending upgrades an httptest server connection into the hub
// with the given claim patterns, returning the client-side connection.
func dialPending(hub *Hub, allowedUsers, allowedOrgs, allowedTeams []string) (*websocket.Conn, func()) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = hub.AttachWS(conn, allowedUsers, allowedOrgs, allowedTeams, "203.0.113.1", "US", "", "")
		Expect(err).NotTo(HaveOccurred())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	Expect(err).NotTo(HaveOccurred())

	return conn, srv.Close
}

var _ = Describe("claim pattern matching", func() {
	It("matches a user login case-insensitively", func() {
		pc := &pendingClient{allowedUsers: []string{"Octocat"}}
		Expect(claimMatches(pc, "octocat", nil, nil)).To(BeTrue())
		Expect(claimMatches(pc, "someoneelse", nil, nil)).To(BeFalse())
	})

	It("matches when any org overlaps", func() {
		pc := &pendingClient{allowedOrgs: []string{"Acme"}}
		Expect(claimMatches(pc, "", []string{"other", "acme"}, nil)).To(BeTrue())
		Expect(claimMatches(pc, "", []string{"other"}, nil)).To(BeFalse())
	})

	It("matches when any team overlaps", func() {
		pc := &pendingClient{allowedTeams: []string{"acme/platform"}}
		Expect(claimMatches(pc, "", nil, []string{"ACME/Platform"})).To(BeTrue())
	})
})

var _ = Describe("PendingHub lifecycle", func() {
	It("registers, lists for a matching user and claims atomically", func() {
		hub, cleanup := newTestHub(10 * time.Minute)
		defer cleanup()

		conn, closeSrv := dialPending(hub, []string{"octocat"}, nil, nil)
		defer closeSrv()
		defer conn.Close()

		reg, err := protocol.NewMessage(protocol.TypePendingRegister, protocol.PendingRegisterPayload{
			Hostname: "laptop", Project: "demo", Platform: "linux",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.WriteJSON(reg)).To(Succeed())

		var registered protocol.Message
		Expect(conn.ReadJSON(&registered)).To(Succeed())
		Expect(registered.Type).To(Equal(protocol.TypePendingRegistered))

		var views []protocol.PendingClientView
		Eventually(func() []protocol.PendingClientView {
			views = hub.ListForUser("octocat", nil, nil)
			return views
		}).Should(HaveLen(1))
		Expect(views[0].Hostname).To(Equal("laptop"))

		clientID, tokenID, err := hub.Claim(views[0].PendingID, "user-internal-id", "laptop token")
		Expect(err).NotTo(HaveOccurred())
		Expect(clientID).NotTo(BeEmpty())
		Expect(tokenID).NotTo(BeEmpty())

		var granted protocol.Message
		Expect(conn.ReadJSON(&granted)).To(Succeed())
		Expect(granted.Type).To(Equal(protocol.TypeTokenGranted))

		Expect(hub.ListForUser("octocat", nil, nil)).To(BeEmpty())
	})

	It("rejects claiming a pending_id that no longer exists", func() {
		hub, cleanup := newTestHub(10 * time.Minute)
		defer cleanup()

		_, _, err := hub.Claim("pending_does-not-exist", "user-internal-id", "name")
		Expect(err).To(HaveOccurred())
	})

	It("times out an unclaimed client and closes its socket", func() {
		hub, cleanup := newTestHub(50 * time.Millisecond)
		defer cleanup()

		conn, closeSrv := dialPending(hub, []string{"octocat"}, nil, nil)
		defer closeSrv()
		defer conn.Close()

		Eventually(func() []protocol.PendingClientView {
			return hub.ListForUser("octocat", nil, nil)
		}).Should(HaveLen(1))

		// sweepInterval is 30s in production; once the 50ms ttl has
		// passed, run cleanupExpired directly instead of waiting for the
		// real ticker.
		time.Sleep(100 * time.Millisecond)
		hub.do(func(h *Hub) { h.cleanupExpired() })

		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		var readErr error
		for readErr == nil {
			_, _, readErr = conn.ReadMessage()
		}
		Expect(websocket.IsCloseError(readErr, 4000)).To(BeTrue(), "read error: %v", readErr)
		Expect(hub.ListForUser("octocat", nil, nil)).To(BeEmpty())
	})
})
