package node

import (
	"encoding/json"
	"errors"

	"github.com/c360/centrifuge/proto"
	"github.com/c360/centrifuge/structure"
)

// Server API method names. The first group is available to every
// project, the rest only to the owner key.
const (
	apiPublish     = "publish"
	apiUnsubscribe = "unsubscribe"
	apiDisconnect  = "disconnect"
	apiPresence    = "presence"
	apiHistory     = "history"

	apiProjectList     = "project_list"
	apiProjectGet      = "project_get"
	apiProjectCreate   = "project_create"
	apiProjectEdit     = "project_edit"
	apiProjectDelete   = "project_delete"
	apiRegenerateKey   = "regenerate_secret_key"
	apiNamespaceList   = "namespace_list"
	apiNamespaceGet    = "namespace_get"
	apiNamespaceCreate = "namespace_create"
	apiNamespaceEdit   = "namespace_edit"
	apiNamespaceDelete = "namespace_delete"
	apiDumpStructure   = "dump_structure"
)

// APICommand executes one server API command for a project. A nil
// project marks an owner request, which unlocks the management methods
// and may target any project through the owner project parameter.
func (n *Node) APICommand(p *structure.Project, cmd proto.ClientCommand) *proto.Response {
	resp := proto.NewResponse(cmd.Method)
	resp.UID = cmd.UID

	n.collector.Increment("api")
	n.nodeMetrics.APIRequestsTotal.Inc()

	owner := p == nil
	if owner {
		target, errStr := n.ownerTarget(cmd.Params)
		if errStr != "" {
			return resp.Err(errStr)
		}
		p = target
	}

	switch cmd.Method {
	case apiPublish:
		return n.apiPublish(resp, p, cmd.Params)
	case apiUnsubscribe:
		return n.apiUnsubscribe(resp, p, cmd.Params)
	case apiDisconnect:
		return n.apiDisconnect(resp, p, cmd.Params)
	case apiPresence:
		return n.apiPresence(resp, p, cmd.Params)
	case apiHistory:
		return n.apiHistory(resp, p, cmd.Params)
	}

	if !owner {
		return resp.Err(ErrPermissionDenied)
	}

	switch cmd.Method {
	case apiProjectList:
		resp.Body = n.structure.ProjectList()
		return resp
	case apiProjectGet:
		if p == nil {
			return resp.Err(ErrProjectNotFound)
		}
		resp.Body = p
		return resp
	case apiProjectCreate:
		return n.apiProjectCreate(resp, cmd.Params)
	case apiProjectEdit:
		return n.apiProjectEdit(resp, p, cmd.Params)
	case apiProjectDelete:
		return n.apiProjectDelete(resp, p)
	case apiRegenerateKey:
		return n.apiRegenerateKey(resp, p)
	case apiNamespaceList:
		return n.apiNamespaceList(resp, p)
	case apiNamespaceGet:
		return n.apiNamespaceGet(resp, p, cmd.Params)
	case apiNamespaceCreate:
		return n.apiNamespaceCreate(resp, p, cmd.Params)
	case apiNamespaceEdit:
		return n.apiNamespaceEdit(resp, cmd.Params)
	case apiNamespaceDelete:
		return n.apiNamespaceDelete(resp, cmd.Params)
	case apiDumpStructure:
		resp.Body = map[string]interface{}{
			"projects":   n.structure.ProjectList(),
			"namespaces": n.structure.NamespaceList(),
		}
		return resp
	default:
		return resp.Err(ErrMethodNotFound)
	}
}

// ownerTarget resolves the optional target project of an owner request
// from the owner project parameter in params. A missing parameter is
// fine for methods that do not act on a single project.
func (n *Node) ownerTarget(params json.RawMessage) (*structure.Project, string) {
	if len(params) == 0 {
		return nil, ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, ErrInvalidConnectionParams
	}
	raw, ok := fields[n.config.OwnerAPIProjectParam]
	if !ok {
		return nil, ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, ErrInvalidConnectionParams
	}
	p, err := n.structure.ProjectByID(id)
	if err != nil {
		if p, err = n.structure.ProjectByName(id); err != nil {
			return nil, ErrProjectNotFound
		}
	}
	return p, ""
}

func (n *Node) apiPublish(resp *proto.Response, p *structure.Project, params json.RawMessage) *proto.Response {
	if p == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var args publishParams
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if errStr := n.Publish(p, args.Channel, args.Data, nil); errStr != "" {
		return resp.Err(errStr)
	}
	resp.Body = true
	return resp
}

func (n *Node) apiUnsubscribe(resp *proto.Response, p *structure.Project, params json.RawMessage) *proto.Response {
	if p == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var args struct {
		User    string `json:"user"`
		Channel string `json:"channel,omitempty"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if errStr := n.Unsubscribe(p, args.User, args.Channel); errStr != "" {
		return resp.Err(errStr)
	}
	resp.Body = true
	return resp
}

func (n *Node) apiDisconnect(resp *proto.Response, p *structure.Project, params json.RawMessage) *proto.Response {
	if p == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var args struct {
		User   string `json:"user"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if errStr := n.Disconnect(p, args.User, args.Reason); errStr != "" {
		return resp.Err(errStr)
	}
	resp.Body = true
	return resp
}

func (n *Node) apiPresence(resp *proto.Response, p *structure.Project, params json.RawMessage) *proto.Response {
	if p == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var args channelParams
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	presence, errStr := n.Presence(p, args.Channel)
	if errStr != "" {
		return resp.Err(errStr)
	}
	resp.Body = presence
	return resp
}

func (n *Node) apiHistory(resp *proto.Response, p *structure.Project, params json.RawMessage) *proto.Response {
	if p == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var args channelParams
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	history, errStr := n.History(p, args.Channel)
	if errStr != "" {
		return resp.Err(errStr)
	}
	resp.Body = history
	return resp
}

// ---- owner management methods ----

func (n *Node) managedStorage() (structure.ManagedStorage, string) {
	ms, ok := n.structure.Storage().(structure.ManagedStorage)
	if !ok {
		return nil, ErrNotAvailable
	}
	return ms, ""
}

// structureChanged refreshes the local snapshot and hints peers to do
// the same.
func (n *Node) structureChanged() {
	if err := n.structure.Update(); err != nil {
		n.logger.Error("structure refresh failed", "error", err)
	}
	if err := n.publishControl(controlUpdateStructure, struct{}{}); err != nil {
		n.logger.Error("control structure hint failed", "error", err)
	}
}

func storageErr(err error) string {
	switch {
	case errors.Is(err, structure.ErrDuplicateName):
		return ErrDuplicateName
	case errors.Is(err, structure.ErrProjectNotFound):
		return ErrProjectNotFound
	case errors.Is(err, structure.ErrNamespaceNotFound):
		return ErrNamespaceNotFound
	default:
		return ErrInternalServerError
	}
}

func (n *Node) apiProjectCreate(resp *proto.Response, params json.RawMessage) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	var p structure.Project
	if err := json.Unmarshal(params, &p); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	created, err := ms.ProjectCreate(&p)
	if err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = created
	return resp
}

func (n *Node) apiProjectEdit(resp *proto.Response, target *structure.Project, params json.RawMessage) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	if target == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var p structure.Project
	if err := json.Unmarshal(params, &p); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	edited, err := ms.ProjectEdit(target.ID, &p)
	if err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = edited
	return resp
}

func (n *Node) apiProjectDelete(resp *proto.Response, target *structure.Project) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	if target == nil {
		return resp.Err(ErrProjectNotFound)
	}
	if err := ms.ProjectDelete(target.ID); err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = true
	return resp
}

func (n *Node) apiRegenerateKey(resp *proto.Response, target *structure.Project) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	if target == nil {
		return resp.Err(ErrProjectNotFound)
	}
	key, err := ms.RegenerateSecretKey(target.ID)
	if err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = map[string]string{"secret_key": key}
	return resp
}

func (n *Node) apiNamespaceList(resp *proto.Response, target *structure.Project) *proto.Response {
	namespaces := n.structure.NamespaceList()
	if target != nil {
		filtered := namespaces[:0]
		for _, ns := range namespaces {
			if ns.ProjectID == target.ID {
				filtered = append(filtered, ns)
			}
		}
		namespaces = filtered
	}
	resp.Body = namespaces
	return resp
}

func (n *Node) apiNamespaceGet(resp *proto.Response, target *structure.Project, params json.RawMessage) *proto.Response {
	var args struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if args.ID != "" {
		ns, err := n.structure.NamespaceByID(args.ID)
		if err != nil {
			return resp.Err(ErrNamespaceNotFound)
		}
		resp.Body = ns
		return resp
	}
	if target == nil {
		return resp.Err(ErrProjectNotFound)
	}
	ns, err := n.structure.NamespaceByName(target.ID, args.Name)
	if err != nil {
		return resp.Err(ErrNamespaceNotFound)
	}
	resp.Body = ns
	return resp
}

func (n *Node) apiNamespaceCreate(resp *proto.Response, target *structure.Project, params json.RawMessage) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	if target == nil {
		return resp.Err(ErrProjectNotFound)
	}
	var ns structure.Namespace
	if err := json.Unmarshal(params, &ns); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	ns.ProjectID = target.ID
	created, err := ms.NamespaceCreate(&ns)
	if err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = created
	return resp
}

func (n *Node) apiNamespaceEdit(resp *proto.Response, params json.RawMessage) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	var ns structure.Namespace
	if err := json.Unmarshal(params, &ns); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if ns.ID == "" {
		return resp.Err(ErrNamespaceNotFound)
	}
	edited, err := ms.NamespaceEdit(ns.ID, &ns)
	if err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = edited
	return resp
}

func (n *Node) apiNamespaceDelete(resp *proto.Response, params json.RawMessage) *proto.Response {
	ms, errStr := n.managedStorage()
	if errStr != "" {
		return resp.Err(errStr)
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return resp.Err(ErrInvalidConnectionParams)
	}
	if err := ms.NamespaceDelete(args.ID); err != nil {
		return resp.Err(storageErr(err))
	}
	n.structureChanged()
	resp.Body = true
	return resp
}
