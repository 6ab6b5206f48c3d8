package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/leadalloc/core/logger"
	"github.com/kilianp07/leadalloc/core/notify"
)

var newMQTTClient = func(broker, clientID string) (paho.Client, error) {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.AutoReconnect = true
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return cli, nil
}

// Responder answers offers published on the broker on behalf of every
// contractor, for exercising a running service end to end.
type Responder struct {
	Broker string
	// OfferTopic and ResponseTopic take the contractor ID in place of %s.
	OfferTopic    string
	ResponseTopic string
	Strategy      ResponseStrategy
	Log           logger.Logger

	client paho.Client
	mu     sync.Mutex
	rng    *rand.Rand
	offers chan notify.Offer
}

func NewResponder(broker string, strat ResponseStrategy, seed uint64, log logger.Logger) *Responder {
	return &Responder{
		Broker:        broker,
		OfferTopic:    "contractor/%s/offers",
		ResponseTopic: "contractor/%s/responses",
		Strategy:      strat,
		Log:           log,
		rng:           NewRand(seed),
		offers:        make(chan notify.Offer, 64),
	}
}

// Run connects to the broker and answers offers until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	cli, err := newMQTTClient(r.Broker, fmt.Sprintf("leadalloc-sim-%d", time.Now().UnixNano()))
	if err != nil {
		return err
	}
	r.client = cli
	for i := 0; i < 5; i++ {
		go r.worker(ctx)
	}
	topic := fmt.Sprintf(r.OfferTopic, "+")
	if token := cli.Subscribe(topic, 1, r.onOffer); token.Wait() && token.Error() != nil {
		cli.Disconnect(250)
		return token.Error()
	}
	r.Log.Infof("simulated contractors listening on %s", topic)
	<-ctx.Done()
	cli.Disconnect(250)
	return nil
}

func (r *Responder) onOffer(_ paho.Client, msg paho.Message) {
	var o notify.Offer
	if err := json.Unmarshal(msg.Payload(), &o); err != nil {
		r.Log.Warnf("decode offer on %s: %v", msg.Topic(), err)
		return
	}
	if o.ContractorID == "" {
		parts := strings.Split(msg.Topic(), "/")
		if len(parts) == 3 {
			o.ContractorID = parts[1]
		}
	}
	select {
	case r.offers <- o:
	default:
		r.Log.Warnf("offer queue full, dropping offer %s", o.OfferID)
	}
}

func (r *Responder) worker(ctx context.Context) {
	for {
		select {
		case o := <-r.offers:
			r.answer(ctx, o)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Responder) answer(ctx context.Context, o notify.Offer) {
	r.mu.Lock()
	ans := r.Strategy.Answer(r.rng, o.ContractorID)
	r.mu.Unlock()
	if !ans.Respond {
		r.Log.Debugf("%s ignores offer %s", o.ContractorID, o.OfferID)
		return
	}
	if ans.Delay > 0 {
		select {
		case <-time.After(ans.Delay):
		case <-ctx.Done():
			return
		}
	}
	payload, err := json.Marshal(notify.Response{
		OfferID: o.OfferID, LeadID: o.LeadID, ContractorID: o.ContractorID, Accepted: ans.Accept, At: time.Now(),
	})
	if err != nil {
		r.Log.Errorf("marshal response: %v", err)
		return
	}
	token := r.client.Publish(fmt.Sprintf(r.ResponseTopic, o.ContractorID), 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		r.Log.Warnf("response publish timeout for %s", o.ContractorID)
		return
	}
	if err := token.Error(); err != nil {
		r.Log.Errorf("publish response for %s: %v", o.ContractorID, err)
	}
}
