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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testRequestHeader(provider common.ProviderID) common.ProviderRequestHeader {
	filter := common.Filter{Namespace: "root/cimv2", Name: "f1"}
	handler := common.Handler{
		Namespace: "root/cimv2", ClassName: common.ClassListenerDestinationCIMXML, Name: "h1",
	}
	return common.ProviderRequestHeader{
		MessageID: common.NewMessageID(),
		Context:   common.RequestContext{RequestID: uuid.NewString(), UserName: "alice"},
		Provider: common.ProviderClassList{
			Provider: provider,
			Classes: []common.NamespaceClassList{
				{Namespace: "root/cimv2", ClassNames: []string{"CIM_AlertIndication"}},
			},
		},
		Namespace: "root/cimv2",
		Subscription: common.Subscription{
			Namespace: "root/cimv2",
			ClassName: common.ClassIndicationSubscription,
			Filter:    filter.Path(),
			Handler:   handler.Path(),
			State:     common.StateEnabled,
		},
	}
}

func TestSubjects(t *testing.T) {
	assert := assert.New(t)

	provider := common.ProviderID{Module: "ACME Disk.Module", Name: "disk*provider"}
	assert.Equal(
		"indisvc.provider.acme_disk_module.disk_provider.create",
		ProviderSubject("indisvc", provider, common.OperationCreate),
	)
	assert.Equal(
		"indisvc.provider.acme_disk_module.disk_provider.*",
		ProviderSubjectWildcard("indisvc", provider),
	)
	assert.Equal(
		"indisvc.handler.cim_listenerdestinationcimxml.h_1",
		HandlerSubject("indisvc", common.Handler{
			ClassName: common.ClassListenerDestinationCIMXML, Name: "h.1",
		}),
	)
}

func TestProviderRequestEnvelope(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()
	provider := common.ProviderID{Module: "acme", Name: "disk"}

	// Case 0: each request kind
	{
		reqs := []common.ProviderRequest{
			common.CreateSubscriptionRequest{
				ProviderRequestHeader: testRequestHeader(provider),
				Query:                 "SELECT * FROM CIM_AlertIndication",
			},
			common.ModifySubscriptionRequest{ProviderRequestHeader: testRequestHeader(provider)},
			common.DeleteSubscriptionRequest{ProviderRequestHeader: testRequestHeader(provider)},
		}
		for _, req := range reqs {
			envelope, err := WrapProviderRequest(req)
			assert.Nil(err)
			assert.Equal(req.Operation(), envelope.Operation)
			assert.Nil(envelope.Validate(validate))
			unwrapped, err := envelope.Request()
			assert.Nil(err)
			assert.Equal(req.Header().MessageID, unwrapped.Header().MessageID)
		}
	}

	// Case 1: mismatched body
	{
		envelope := ProviderRequestEnvelope{
			Operation: common.OperationDelete,
			Create:    &common.CreateSubscriptionRequest{ProviderRequestHeader: testRequestHeader(provider)},
		}
		_, err := envelope.Request()
		assert.NotNil(err)
		assert.NotNil(envelope.Validate(validate))
	}

	// Case 2: header missing message ID
	{
		header := testRequestHeader(provider)
		header.MessageID = ""
		envelope, err := WrapProviderRequest(common.DeleteSubscriptionRequest{ProviderRequestHeader: header})
		assert.Nil(err)
		assert.NotNil(envelope.Validate(validate))
	}
}

func TestLoopbackProviderTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewLoopbackProviderTransport()
	accepting := common.ProviderID{Module: "acme", Name: "accepting"}
	rejecting := common.ProviderID{Module: "acme", Name: "rejecting"}
	stalled := common.ProviderID{Module: "acme", Name: "stalled"}
	received := 0
	uut.RegisterProvider(accepting, func(_ context.Context, req common.ProviderRequest) error {
		received++
		return nil
	})
	uut.RegisterProvider(rejecting, func(_ context.Context, req common.ProviderRequest) error {
		return common.NewCIMError(common.StatusNotSupported, "class not served")
	})
	release := make(chan struct{})
	defer close(release)
	uut.RegisterProvider(stalled, func(_ context.Context, req common.ProviderRequest) error {
		<-release
		return nil
	})

	// Case 0: accepted
	{
		req := common.CreateSubscriptionRequest{ProviderRequestHeader: testRequestHeader(accepting)}
		resp := uut.Send(context.Background(), req)
		assert.True(resp.Succeeded())
		assert.Equal(req.MessageID, resp.MessageID)
		assert.Equal(common.OperationCreate, resp.Operation)
		assert.Equal(1, received)
	}

	// Case 1: rejected
	{
		resp := uut.Send(
			context.Background(),
			common.DeleteSubscriptionRequest{ProviderRequestHeader: testRequestHeader(rejecting)},
		)
		assert.False(resp.Succeeded())
		assert.Equal(common.StatusNotSupported, resp.Error.Code)
	}

	// Case 2: unknown provider
	{
		unknown := common.ProviderID{Module: "acme", Name: "unknown"}
		resp := uut.Send(
			context.Background(),
			common.DeleteSubscriptionRequest{ProviderRequestHeader: testRequestHeader(unknown)},
		)
		assert.False(resp.Succeeded())
		assert.Equal(common.StatusFailed, resp.Error.Code)
	}

	// Case 3: provider never replies
	{
		useContext, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()
		resp := uut.Send(
			useContext,
			common.ModifySubscriptionRequest{ProviderRequestHeader: testRequestHeader(stalled)},
		)
		assert.False(resp.Succeeded())
		assert.ErrorIs(resp.Error, common.ErrTimeout)
	}

	// Case 4: unregistered
	{
		uut.UnregisterProvider(accepting)
		resp := uut.Send(
			context.Background(),
			common.CreateSubscriptionRequest{ProviderRequestHeader: testRequestHeader(accepting)},
		)
		assert.False(resp.Succeeded())
		assert.Equal(1, received)
	}
}

func TestQueuedLoopbackDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock := sync.Mutex{}
	byHandler := map[string]int{}
	rxWG := sync.WaitGroup{}
	loopback := NewLoopbackIndicationDelivery(nil)

	handlers := []common.Handler{}
	for itr := 0; itr < 3; itr++ {
		handler := common.Handler{
			Namespace:   "root/cimv2",
			ClassName:   common.ClassListenerDestinationCIMXML,
			Name:        fmt.Sprintf("h%d", itr),
			Destination: "http://127.0.0.1:5990",
		}
		handlers = append(handlers, handler)
		loopback.Listen(handler, func(_ context.Context, req common.HandleIndicationRequest) error {
			lock.Lock()
			defer lock.Unlock()
			byHandler[req.Handler.Name]++
			rxWG.Done()
			return nil
		})
	}

	uut, err := DefineQueuedDelivery("testing", loopback, 2, 4, time.Second, ctxt)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: deliver to each handler several times
	{
		rxWG.Add(9)
		for round := 0; round < 3; round++ {
			for _, handler := range handlers {
				useContext, useCancel := context.WithTimeout(ctxt, time.Second)
				assert.Nil(uut.Deliver(useContext, common.HandleIndicationRequest{
					MessageID:  common.NewMessageID(),
					Handler:    handler,
					Indication: common.Instance{ClassName: "CIM_AlertIndication"},
				}))
				useCancel()
			}
		}
		rxWG.Wait()
		lock.Lock()
		for _, handler := range handlers {
			assert.Equal(3, byHandler[handler.Name])
		}
		lock.Unlock()
	}

	// Case 1: handler without a listener
	{
		err := loopback.Deliver(ctxt, common.HandleIndicationRequest{
			Handler: common.Handler{Namespace: "root/cimv2", ClassName: "X", Name: "none"},
		})
		assert.NotNil(err)
	}
}

func TestNATSProviderRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	if common.GetUnitTestNatsURI() == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}

	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           common.GetUnitTestNatsURI(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer natsClient.Close(context.Background())

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := fmt.Sprintf("ut-%s", uuid.NewString())
	provider := common.ProviderID{Module: "acme", Name: "disk"}
	agent, err := DefineNATSProviderAgent(
		ctxt, &natsClient, prefix, provider,
		func(_ context.Context, req common.ProviderRequest) error {
			if req.Operation() == common.OperationModify {
				return common.NewCIMError(common.StatusNotSupported, "modify not supported")
			}
			return nil
		},
	)
	assert.Nil(err)
	assert.Nil(agent.Start(&wg))

	uut, err := GetNATSProviderTransport(&natsClient, prefix)
	assert.Nil(err)

	// Case 0: accepted
	{
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		req := common.CreateSubscriptionRequest{ProviderRequestHeader: testRequestHeader(provider)}
		resp := uut.Send(useContext, req)
		useCancel()
		assert.True(resp.Succeeded())
		assert.Equal(req.MessageID, resp.MessageID)
	}

	// Case 1: rejected
	{
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		resp := uut.Send(
			useContext,
			common.ModifySubscriptionRequest{ProviderRequestHeader: testRequestHeader(provider)},
		)
		useCancel()
		assert.False(resp.Succeeded())
		assert.Equal(common.StatusNotSupported, resp.Error.Code)
	}

	// Case 2: indication delivery
	{
		handler := common.Handler{
			Namespace: "root/cimv2", ClassName: common.ClassListenerDestinationCIMXML, Name: "h1",
		}
		rxChan := make(chan common.HandleIndicationRequest, 1)
		listener, err := DefineNATSHandlerListener(
			ctxt, &natsClient, prefix, &handler,
			func(_ context.Context, req common.HandleIndicationRequest) error {
				rxChan <- req
				return nil
			},
		)
		assert.Nil(err)
		assert.Nil(listener.Start(&wg))
		assert.Nil(natsClient.NATs().Flush())

		delivery, err := GetNATSIndicationDelivery(&natsClient, prefix)
		assert.Nil(err)
		msgID := common.NewMessageID()
		assert.Nil(delivery.Deliver(ctxt, common.HandleIndicationRequest{
			MessageID:  msgID,
			Handler:    handler,
			Indication: common.Instance{ClassName: "CIM_AlertIndication"},
		}))
		select {
		case rx := <-rxChan:
			assert.Equal(msgID, rx.MessageID)
		case <-time.After(time.Second):
			assert.Fail("indication not received")
		}
	}
}
