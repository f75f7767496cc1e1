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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/core"
	"github.com/alwitt/indisvc/dataplane"
	"github.com/apex/log"
)

// RunHandlerListener print every indication delivered to handlers over NATS until the
// runtime context ends
func RunHandlerListener(
	config common.SystemConfig, instance string, runtimeContext context.Context,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "handler-listener",
		"instance":  instance,
	}
	if config.NATS == nil {
		return fmt.Errorf("handler listener requires NATS config")
	}

	natsClient, err := core.GetNatsClient(core.ConnectParamsFromConfig(*config.NATS))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to NATS")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		natsClient.Close(ctx)
	}()

	wg := sync.WaitGroup{}
	defer wg.Wait()

	listener, err := dataplane.DefineNATSHandlerListener(
		runtimeContext,
		&natsClient,
		config.Indication.SubjectPrefix,
		nil,
		func(ctxt context.Context, req common.HandleIndicationRequest) error {
			payload, err := json.Marshal(&req.Indication)
			if err != nil {
				return err
			}
			log.WithFields(common.LogTagsFor(logTags, req.Context)).Infof(
				"[%s] %s -> %s: %s",
				req.MessageID, req.Subscription.Path(), req.Handler.Destination, payload,
			)
			return nil
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define handler listener")
		return err
	}
	if err := listener.Start(&wg); err != nil {
		return err
	}
	log.WithFields(logTags).Info("Listening for delivered indications")

	<-runtimeContext.Done()
	return nil
}
