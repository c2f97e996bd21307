package relay

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bechat-go/corenet/endpoint"
)

// Contact mirrors one entry of a find-contacts response body.
type Contact struct {
	ID   string
	Name string
}

// Client layers a typed operation table on top of a bare Conn: one method
// per relay operation, with request builders and response decoders, in
// place of scanning message fields by reflection.
type Client struct {
	conn *Conn
}

// NewClient wraps an already-connected Conn.
func NewClient(conn *Conn) *Client { return &Client{conn: conn} }

// Connect dials addr and returns a ready Client.
func Connect(ctx context.Context, addr string) (*Client, error) {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// OnNewInvitation registers the `new-invitation` notification handler.
func (c *Client) OnNewInvitation(fn func(fromID string)) {
	c.conn.Handle("new-invitation", func(body map[string]interface{}) {
		id, _ := body["id"].(string)
		fn(id)
	})
}

// OnNewFriend registers the `new-friend` notification handler.
func (c *Client) OnNewFriend(fn func(id string)) {
	c.conn.Handle("new-friend", func(body map[string]interface{}) {
		id, _ := body["id"].(string)
		fn(id)
	})
}

// OnOnlineStatus registers the `online-status` notification handler.
func (c *Client) OnOnlineStatus(fn func(id string, online bool)) {
	c.conn.Handle("online-status", func(body map[string]interface{}) {
		id, _ := body["id"].(string)
		online, _ := body["val"].(bool)
		fn(id, online)
	})
}

// OnNewAcceptConnect registers `new-accept-connect`: the peer's candidate
// endpoints, ready to hand to rendezvous.Race.
func (c *Client) OnNewAcceptConnect(fn func(id string, private, public endpoint.Endpoint)) {
	c.conn.Handle("new-accept-connect", func(body map[string]interface{}) {
		id, _ := body["id"].(string)
		pr, public, err := decodeEndpointPair(body)
		if err != nil {
			return // malformed notification: dropped
		}
		fn(id, pr, public)
	})
}

func decodeEndpointPair(body map[string]interface{}) (private, public endpoint.Endpoint, err error) {
	prRaw, _ := body["prip"].(string)
	pubRaw, _ := body["pubip"].(string)
	private, err = endpoint.DecodeCompact([]byte(prRaw))
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, err
	}
	public, err = endpoint.DecodeCompact([]byte(pubRaw))
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, err
	}
	return private, public, nil
}

// Welcome performs an additional explicit welcome round-trip beyond the
// one Dial already does as part of establishing the connection; exposed
// for callers that want to re-probe server version without reconnecting.
func (c *Client) Welcome() (string, error) {
	resp, err := c.conn.Send("welcome", map[string]interface{}{"ver": ClientVersion})
	if err != nil {
		return "", err
	}
	ver, _ := resp["ver"].(string)
	return ver, nil
}

// LoginResult is the common shape of login, auto-login, and register
// responses.
type LoginResult struct {
	User  string
	ID    string
	Token string
}

func decodeLoginResult(body map[string]interface{}) LoginResult {
	r := LoginResult{}
	r.User, _ = body["usr"].(string)
	r.ID, _ = body["id"].(string)
	r.Token, _ = body["tok"].(string)
	return r
}

// Login exchanges username/password credentials for a bearer token.
func (c *Client) Login(user, password string) (LoginResult, error) {
	resp, err := c.conn.Send("login", map[string]interface{}{"usr": user, "pw": password})
	if err != nil {
		return LoginResult{}, err
	}
	return decodeLoginResult(resp), nil
}

// AutoLogin exchanges a previously-issued bearer token for a fresh
// session, the path the persisted TokenStore feeds on startup.
func (c *Client) AutoLogin(token string) (LoginResult, error) {
	resp, err := c.conn.Send("auto-login", map[string]interface{}{"tok": token})
	if err != nil {
		return LoginResult{}, err
	}
	return decodeLoginResult(resp), nil
}

// Register creates a new account.
func (c *Client) Register(user, password string) (LoginResult, error) {
	resp, err := c.conn.Send("register", map[string]interface{}{"usr": user, "pw": password})
	if err != nil {
		return LoginResult{}, err
	}
	return decodeLoginResult(resp), nil
}

// FindContacts searches the directory by query string q.
func (c *Client) FindContacts(token, q string) ([]Contact, error) {
	resp, err := c.conn.Send("find-contacts", map[string]interface{}{"tok": token, "q": q})
	if err != nil {
		return nil, err
	}
	list, _ := resp["r"].([]interface{})
	contacts := make([]Contact, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		name, _ := entry["name"].(string)
		contacts = append(contacts, Contact{ID: id, Name: name})
	}
	return contacts, nil
}

// AddContact sends a contact invitation to id.
func (c *Client) AddContact(token, id string) error {
	_, err := c.conn.Send("add-contact", map[string]interface{}{"tok": token, "id": id})
	return err
}

// AcceptContact accepts a pending invitation from id.
func (c *Client) AcceptContact(token, id string) error {
	_, err := c.conn.Send("accept-contact", map[string]interface{}{"tok": token, "id": id})
	return err
}

// IsOnline reports whether id currently has a live session.
func (c *Client) IsOnline(token, id string) (bool, error) {
	resp, err := c.conn.Send("is-online", map[string]interface{}{"tok": token, "id": id})
	if err != nil {
		return false, err
	}
	online, _ := resp["val"].(bool)
	return online, nil
}

// RequestConnect asks the relay to broker a rendezvous with id, offering
// our own private and public candidate endpoints.
func (c *Client) RequestConnect(token, id string, private, public endpoint.Endpoint) error {
	return c.sendEndpointOp("connect", token, id, private, public)
}

// AcceptConnect answers a peer's connect request, offering our own
// candidate endpoints in turn.
func (c *Client) AcceptConnect(token, id string, private, public endpoint.Endpoint) error {
	return c.sendEndpointOp("accept-connect", token, id, private, public)
}

func (c *Client) sendEndpointOp(op, token, id string, private, public endpoint.Endpoint) error {
	pr, err := endpoint.EncodeCompact(private)
	if err != nil {
		return errors.Wrap(err, "relay: encode private endpoint")
	}
	pub, err := endpoint.EncodeCompact(public)
	if err != nil {
		return errors.Wrap(err, "relay: encode public endpoint")
	}
	_, err = c.conn.Send(op, map[string]interface{}{
		"tok":   token,
		"id":    id,
		"prip":  string(pr),
		"pubip": string(pub),
	})
	return err
}
