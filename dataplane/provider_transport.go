// Copyright 2022 The indisvc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// ProviderTransport carries subscription requests to providers. Transport failures are
// folded into the returned response.
type ProviderTransport interface {
	// Send deliver one request and wait for the provider's reply
	Send(ctxt context.Context, req common.ProviderRequest) common.ProviderResponse
}

// failedResponse response reporting a transport level failure
func failedResponse(req common.ProviderRequest, err error, format string, args ...interface{}) common.ProviderResponse {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
		err = fmt.Errorf("%w: %s", common.ErrTimeout, err.Error())
	}
	return common.NewProviderResponse(
		req, common.WrapCIMError(common.StatusFailed, err, format, args...),
	)
}

// ==============================================================================

// natsProviderTransport implements ProviderTransport with NATS request / reply
type natsProviderTransport struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
}

// GetNATSProviderTransport define a NATS backed ProviderTransport
func GetNATSProviderTransport(
	natsClient *core.NatsClient, subjectPrefix string,
) (ProviderTransport, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("NATS provider transport requires a NATS client")
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "provider-transport",
		"instance":  "nats",
	}
	return &natsProviderTransport{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
	}, nil
}

// Send deliver one request and wait for the provider's reply
func (t *natsProviderTransport) Send(
	ctxt context.Context, req common.ProviderRequest,
) common.ProviderResponse {
	header := req.Header()
	localLogTags := common.LogTagsFor(t.LogTags, header.Context)
	subject := ProviderSubject(t.subjectPrefix, header.Provider.Provider, req.Operation())

	envelope, err := WrapProviderRequest(req)
	if err != nil {
		return failedResponse(req, err, "unable to wrap request")
	}
	payload, err := json.Marshal(&envelope)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", header.MessageID)
		return failedResponse(req, err, "unable to serialize request")
	}
	log.WithFields(localLogTags).Debugf("Sending %s %s on %s", req.Operation(), header.MessageID, subject)
	msg, err := t.nats.NATs().RequestWithContext(ctxt, subject, payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Request %s to %s failed", header.MessageID, header.Provider.Provider,
		)
		return failedResponse(req, err, "provider %s unreachable", header.Provider.Provider)
	}
	var resp common.ProviderResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to parse reply: %s", msg.Data)
		return failedResponse(req, err, "unreadable reply from provider %s", header.Provider.Provider)
	}
	if resp.MessageID != header.MessageID {
		return failedResponse(
			req,
			fmt.Errorf("reply for %s does not match request", resp.MessageID),
			"mismatched reply from provider %s", header.Provider.Provider,
		)
	}
	return resp
}

// ==============================================================================

// ProviderAgent serves subscription requests for one provider
type ProviderAgent interface {
	// Start begin receiving requests. Stops when the agent's context ends.
	Start(wg *sync.WaitGroup) error
}

// natsProviderAgentImpl implements ProviderAgent on NATS
type natsProviderAgentImpl struct {
	common.Component
	nats     *core.NatsClient
	subject  string
	provider common.ProviderID
	handler  ProviderRequestHandler
	started  bool
	sub      *nats.Subscription
	lock     sync.Mutex
	validate *validator.Validate
	ctxt     context.Context
}

// DefineNATSProviderAgent define a ProviderAgent listening on the provider's subjects
func DefineNATSProviderAgent(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	provider common.ProviderID,
	handler ProviderRequestHandler,
) (ProviderAgent, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "provider-agent",
		"instance":  provider.String(),
	}
	validate := validator.New()
	if err := validate.Struct(&provider); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define provider agent")
		return nil, err
	}
	return &natsProviderAgentImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   ProviderSubjectWildcard(subjectPrefix, provider),
		provider:  provider,
		handler:   handler,
		validate:  validate,
		ctxt:      ctxt,
	}, nil
}

// Start begin receiving requests
func (a *natsProviderAgentImpl) Start(wg *sync.WaitGroup) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.started {
		return fmt.Errorf("already subscribed to %s", a.subject)
	}
	a.started = true
	sub, err := a.nats.NATs().Subscribe(a.subject, a.processRequest)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to subscribe to %s", a.subject)
		return err
	}
	a.sub = sub
	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-a.ctxt.Done()
		log.WithFields(a.LogTags).Debugf("Unsubscribing from %s", a.subject)
		if err := a.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(a.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", a.subject,
			)
		}
		log.WithFields(a.LogTags).Infof("Unsubscribed from %s", a.subject)
	}()
	return nil
}

// processRequest handle one request message and reply
func (a *natsProviderAgentImpl) processRequest(msg *nats.Msg) {
	var envelope ProviderRequestEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to read request: %s", msg.Data)
		return
	}
	if err := envelope.Validate(a.validate); err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to validate request: %s", msg.Data)
		return
	}
	req, _ := envelope.Request()
	header := req.Header()
	localLogTags := common.LogTagsFor(a.LogTags, header.Context)
	log.WithFields(localLogTags).Debugf("Received %s %s", req.Operation(), header.MessageID)

	resp := common.NewProviderResponse(req, a.handler(a.ctxt, req))
	resp.Provider = a.provider
	payload, err := json.Marshal(&resp)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to reply to %s", header.MessageID)
	}
}

// ==============================================================================

// LoopbackProviderTransport in-process ProviderTransport. Providers register a handler
// which is called directly.
type LoopbackProviderTransport struct {
	common.Component
	lock      sync.RWMutex
	providers map[string]ProviderRequestHandler
}

// NewLoopbackProviderTransport define an in-process ProviderTransport
func NewLoopbackProviderTransport() *LoopbackProviderTransport {
	return &LoopbackProviderTransport{
		Component: common.Component{LogTags: log.Fields{
			"module": "dataplane", "component": "provider-transport", "instance": "loopback",
		}},
		providers: make(map[string]ProviderRequestHandler),
	}
}

func loopbackProviderKey(provider common.ProviderID) string {
	return strings.ToLower(provider.Module) + "/" + strings.ToLower(provider.Name)
}

// RegisterProvider install the handler serving a provider's requests
func (t *LoopbackProviderTransport) RegisterProvider(
	provider common.ProviderID, handler ProviderRequestHandler,
) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.providers[loopbackProviderKey(provider)] = handler
}

// UnregisterProvider remove a provider's handler
func (t *LoopbackProviderTransport) UnregisterProvider(provider common.ProviderID) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.providers, loopbackProviderKey(provider))
}

// Send call the provider's handler, bounded by the context
func (t *LoopbackProviderTransport) Send(
	ctxt context.Context, req common.ProviderRequest,
) common.ProviderResponse {
	header := req.Header()
	t.lock.RLock()
	handler, ok := t.providers[loopbackProviderKey(header.Provider.Provider)]
	t.lock.RUnlock()
	if !ok {
		return failedResponse(
			req, common.ErrNotFound, "provider %s unreachable", header.Provider.Provider,
		)
	}
	result := make(chan error, 1)
	go func() {
		result <- handler(ctxt, req)
	}()
	select {
	case err := <-result:
		return common.NewProviderResponse(req, err)
	case <-ctxt.Done():
		log.WithFields(common.LogTagsFor(t.LogTags, header.Context)).Errorf(
			"Request %s to %s timed out", header.MessageID, header.Provider.Provider,
		)
		return failedResponse(req, ctxt.Err(), "provider %s did not reply", header.Provider.Provider)
	}
}
