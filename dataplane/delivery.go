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
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/core"
	"github.com/alwitt/indisvc/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// IndicationDelivery forwards matched indications to their handlers
type IndicationDelivery interface {
	// Deliver send one indication to its handler
	Deliver(ctxt context.Context, req common.HandleIndicationRequest) error
}

// ==============================================================================

// natsIndicationDelivery implements IndicationDelivery by publishing on NATS
type natsIndicationDelivery struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
}

// GetNATSIndicationDelivery define a NATS backed IndicationDelivery
func GetNATSIndicationDelivery(
	natsClient *core.NatsClient, subjectPrefix string,
) (IndicationDelivery, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("NATS indication delivery requires a NATS client")
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "indication-delivery",
		"instance":  "nats",
	}
	return &natsIndicationDelivery{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Deliver publish the indication on the handler's subject
func (d *natsIndicationDelivery) Deliver(
	ctxt context.Context, req common.HandleIndicationRequest,
) error {
	localLogTags := common.LogTagsFor(d.LogTags, req.Context)
	subject := HandlerSubject(d.subjectPrefix, req.Handler)
	payload, err := json.Marshal(&req)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", req.MessageID)
		return err
	}
	if err := d.nats.NATs().Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to send %s on %s", req.MessageID, subject)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s on %s", req.MessageID, subject)
	return nil
}

// ==============================================================================

// HandlerListener receives indications published for handlers
type HandlerListener interface {
	// Start begin receiving indications. Stops when the listener's context ends.
	Start(wg *sync.WaitGroup) error
}

// natsHandlerListenerImpl implements HandlerListener on NATS
type natsHandlerListenerImpl struct {
	common.Component
	nats     *core.NatsClient
	subject  string
	listener IndicationListener
	started  bool
	sub      *nats.Subscription
	lock     sync.Mutex
	validate *validator.Validate
	ctxt     context.Context
}

// DefineNATSHandlerListener define a HandlerListener. A nil handler listens for every
// handler.
func DefineNATSHandlerListener(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	handler *common.Handler,
	listener IndicationListener,
) (HandlerListener, error) {
	subject := HandlerSubjectWildcard(subjectPrefix)
	if handler != nil {
		subject = HandlerSubject(subjectPrefix, *handler)
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "handler-listener",
		"instance":  subject,
	}
	return &natsHandlerListenerImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		listener:  listener,
		validate:  validator.New(),
		ctxt:      ctxt,
	}, nil
}

// Start begin receiving indications
func (l *natsHandlerListenerImpl) Start(wg *sync.WaitGroup) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.started {
		return fmt.Errorf("already subscribed to %s", l.subject)
	}
	l.started = true
	sub, err := l.nats.NATs().Subscribe(l.subject, func(msg *nats.Msg) {
		var req common.HandleIndicationRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf("Failed to read indication: %s", msg.Data)
			return
		}
		if err := l.validate.Struct(&req.Indication); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf("Failed to validate indication: %s", msg.Data)
			return
		}
		if err := l.listener(l.ctxt, req); err != nil {
			log.WithError(err).WithFields(common.LogTagsFor(l.LogTags, req.Context)).Errorf(
				"Listener failed on %s", req.MessageID,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to subscribe to %s", l.subject)
		return err
	}
	l.sub = sub
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-l.ctxt.Done()
		if err := l.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", l.subject,
			)
		}
		log.WithFields(l.LogTags).Infof("Unsubscribed from %s", l.subject)
	}()
	return nil
}

// ==============================================================================

// LoopbackIndicationDelivery in-process IndicationDelivery
type LoopbackIndicationDelivery struct {
	common.Component
	lock            sync.RWMutex
	listeners       map[string]IndicationListener
	defaultListener IndicationListener
}

// NewLoopbackIndicationDelivery define an in-process IndicationDelivery. defaultListener
// receives indications for handlers without their own listener and may be nil.
func NewLoopbackIndicationDelivery(defaultListener IndicationListener) *LoopbackIndicationDelivery {
	return &LoopbackIndicationDelivery{
		Component: common.Component{LogTags: log.Fields{
			"module": "dataplane", "component": "indication-delivery", "instance": "loopback",
		}},
		listeners:       make(map[string]IndicationListener),
		defaultListener: defaultListener,
	}
}

func loopbackHandlerKey(handler common.Handler) string {
	return strings.ToLower(handler.Namespace) + "/" +
		strings.ToLower(handler.ClassName) + "/" + handler.Name
}

// Listen install the listener of one handler
func (d *LoopbackIndicationDelivery) Listen(handler common.Handler, listener IndicationListener) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.listeners[loopbackHandlerKey(handler)] = listener
}

// Deliver call the handler's listener
func (d *LoopbackIndicationDelivery) Deliver(
	ctxt context.Context, req common.HandleIndicationRequest,
) error {
	d.lock.RLock()
	listener, ok := d.listeners[loopbackHandlerKey(req.Handler)]
	if !ok {
		listener = d.defaultListener
	}
	d.lock.RUnlock()
	if listener == nil {
		return fmt.Errorf("no listener for handler %s", req.Handler.Path())
	}
	return listener(ctxt, req)
}

// ==============================================================================

// QueuedDelivery IndicationDelivery which hands indications to a pool of workers.
// Deliver returns once the indication is queued.
type QueuedDelivery interface {
	IndicationDelivery
	// Start the delivery workers
	Start(wg *sync.WaitGroup) error
	// Stop the delivery workers
	Stop() error
}

// deliveryTask one queued indication
type deliveryTask struct {
	req common.HandleIndicationRequest
}

// queuedDeliveryImpl implements QueuedDelivery
type queuedDeliveryImpl struct {
	common.Component
	inner           IndicationDelivery
	workers         common.TaskProcessor
	deliveryTimeout time.Duration
	ctxt            context.Context
}

// DefineQueuedDelivery define a QueuedDelivery in front of another IndicationDelivery
func DefineQueuedDelivery(
	name string,
	inner IndicationDelivery,
	workerCount, queueDepth int,
	deliveryTimeout time.Duration,
	ctxt context.Context,
) (QueuedDelivery, error) {
	workers, err := common.GetNewTaskDemuxProcessorInstance(name, queueDepth, workerCount, ctxt)
	if err != nil {
		return nil, err
	}
	instance := &queuedDeliveryImpl{
		Component: common.Component{LogTags: log.Fields{
			"module": "dataplane", "component": "queued-delivery", "instance": name,
		}},
		inner:           inner,
		workers:         workers,
		deliveryTimeout: deliveryTimeout,
		ctxt:            ctxt,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(deliveryTask{}), instance.processDelivery,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Deliver queue the indication for delivery
func (d *queuedDeliveryImpl) Deliver(
	ctxt context.Context, req common.HandleIndicationRequest,
) error {
	metrics.GetMetrics().QueuedIndications.Inc()
	if err := d.workers.Submit(deliveryTask{req: req}, ctxt); err != nil {
		metrics.GetMetrics().QueuedIndications.Dec()
		metrics.GetMetrics().DeliveriesTotal.WithLabelValues(metrics.Outcome(false)).Inc()
		log.WithError(err).WithFields(common.LogTagsFor(d.LogTags, req.Context)).Errorf(
			"Unable to queue %s", req.MessageID,
		)
		return err
	}
	return nil
}

// processDelivery deliver one queued indication. Runs on a worker.
func (d *queuedDeliveryImpl) processDelivery(param interface{}) error {
	task, ok := param.(deliveryTask)
	if !ok {
		return fmt.Errorf("unexpected delivery task %T", param)
	}
	defer metrics.GetMetrics().QueuedIndications.Dec()
	useContext, cancel := context.WithTimeout(d.ctxt, d.deliveryTimeout)
	defer cancel()
	err := d.inner.Deliver(useContext, task.req)
	metrics.GetMetrics().DeliveriesTotal.WithLabelValues(metrics.Outcome(err == nil)).Inc()
	if err != nil {
		log.WithError(err).WithFields(common.LogTagsFor(d.LogTags, task.req.Context)).Errorf(
			"Delivery of %s to %s failed",
			task.req.MessageID, task.req.Handler.Path(),
		)
	}
	return err
}

// Start the delivery workers
func (d *queuedDeliveryImpl) Start(wg *sync.WaitGroup) error {
	return d.workers.StartEventLoop(wg)
}

// Stop the delivery workers
func (d *queuedDeliveryImpl) Stop() error {
	return d.workers.StopEventLoop()
}
