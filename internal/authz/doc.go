// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package authz authorizes thread-scoped actions with Casbin RBAC.

Subjects are participant roles (member, admin; admin inherits member) and
objects are the chat resource classes: message, reaction, attachment,
participant, conversation and offset. The model and policy are embedded;
security.authz_policy_path replaces the policy with a file.

The role always comes from storage. Request handlers check it before
publishing an intent and dispatchers check it again inside their
transaction, since membership can change in between.

Ownership (message sender, attachment uploader, conversation creator) is not
expressible as a role and is checked with RequireOwner.

Usage:

	enforcer, err := authz.NewEnforcer(&authz.EnforcerConfig{CacheEnabled: true})
	az := authz.NewAuthorizer(enforcer)

	p, err := az.Authorize(ctx, repo, threadID, userID, authz.ObjectParticipant, authz.ActionAdd)
	switch {
	case errors.Is(err, authz.ErrNotParticipant):
	case errors.Is(err, authz.ErrForbidden):
	}
*/
package authz
