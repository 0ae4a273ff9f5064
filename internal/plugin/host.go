package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// defaultCallTimeout bounds a single guest export call. The runtime is
// configured to close the module when the context is done, so a guest stuck
// in a loop is torn down rather than left running.
const defaultCallTimeout = 30 * time.Second

// HostServices is what a plugin's capabilities, once granted, let it reach
// into: storage, HTTP, environment variables, shell execution and the
// filesystem. The host function that calls a method checks the owning
// Instance's manifest capabilities first, so a method is only reached for a
// granted capability.
type HostServices interface {
	StorageGet(key string) (string, bool, error)
	StorageSet(key, value string) error
	HTTPFetch(ctx context.Context, method, url string, body []byte) (status int, respBody []byte, err error)
	EnvGet(name string) (string, bool)
	ShellExec(ctx context.Context, command string) (stdout string, stderr string, exitCode int, err error)
	FSRead(path string) ([]byte, error)
}

// Host compiles and runs plugin WASM modules. One Host may serve many
// Instances; compiled modules are cached by entry path so that reloading a
// plugin that was already compiled in this process is cheap.
type Host struct {
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewHost creates a Host with a fresh wazero runtime and WASI preview1
// support instantiated into it.
func NewHost(ctx context.Context) (*Host, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("plugin: instantiate wasi: %w", err)
	}
	return &Host{runtime: runtime, compiled: make(map[string]wazero.CompiledModule)}, nil
}

// Close tears down the runtime and every module compiled into it.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Instance is one loaded, instantiated plugin: a wasm module plus the
// manifest that bounds what it's allowed to ask the host for.
type Instance struct {
	manifest *Manifest
	module   api.Module
	services HostServices

	allocFn   api.Function
	memory    api.Memory
}

// Load compiles (or reuses a cached compilation of) the plugin's entry
// module, registers capability-checked host functions, and instantiates it.
// manifestDir is the directory plugin.toml lived in; Entry is resolved
// relative to it.
func (h *Host) Load(ctx context.Context, manifest *Manifest, manifestDir string, services HostServices) (*Instance, error) {
	entryPath := manifest.Entry
	if !filepath.IsAbs(entryPath) {
		entryPath = filepath.Join(manifestDir, entryPath)
	}

	compiled, err := h.compiledModule(ctx, entryPath)
	if err != nil {
		return nil, err
	}

	inst := &Instance{manifest: manifest, services: services}

	hostModule, err := h.buildHostModule(ctx, manifest, inst)
	if err != nil {
		return nil, err
	}
	if _, err := hostModule.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("plugin %s: instantiate host module: %w", manifest.Name, err)
	}

	cfg := wazero.NewModuleConfig().WithName(manifest.Name)
	mod, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, &Error{Plugin: manifest.Name, Function: "instantiate", Kind: ErrTrap, Message: err.Error()}
	}
	inst.module = mod
	inst.memory = mod.Memory()
	inst.allocFn = mod.ExportedFunction("alloc")

	return inst, nil
}

func (h *Host) compiledModule(ctx context.Context, entryPath string) (wazero.CompiledModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cached, ok := h.compiled[entryPath]; ok {
		return cached, nil
	}
	wasmBytes, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: read entry %s: %w", entryPath, err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("plugin: compile %s: %w", entryPath, err)
	}
	h.compiled[entryPath] = compiled
	return compiled, nil
}

// HasExport reports whether the guest module exports name. Used to detect
// the auth-only-plugin interface: a plugin exporting provider_auth_credentials
// is treated as supplying credentials to the native provider rather than
// handling chat itself.
func (inst *Instance) HasExport(name string) bool {
	return inst.module.ExportedFunction(name) != nil
}

// Close releases the instance's module.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.module.Close(ctx)
}

// CallJSON invokes a guest export that takes a single JSON-encoded string
// argument and returns a single JSON-encoded string, within defaultCallTimeout.
// Guest panics (traps) are surfaced as *Error with ErrTrap, not propagated as
// Go panics, since one misbehaving plugin must not take down the host process.
func (inst *Instance) CallJSON(ctx context.Context, fn string, request any, response any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrTrap, Message: fmt.Sprintf("%v", r)}
		}
	}()

	exported := inst.module.ExportedFunction(fn)
	if exported == nil {
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrMissingFn, Message: "no such export"}
	}

	reqBytes, marshalErr := json.Marshal(request)
	if marshalErr != nil {
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrMalformed, Message: marshalErr.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	ptr, size, err := inst.writeToGuest(callCtx, reqBytes)
	if err != nil {
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrTrap, Message: err.Error()}
	}

	results, err := exported.Call(callCtx, uint64(ptr), uint64(size))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrTimeout, Message: "call exceeded deadline"}
		}
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrTrap, Message: err.Error()}
	}
	if len(results) == 0 {
		return nil
	}

	outPtr, outLen := uint32(results[0]>>32), uint32(results[0])
	raw, ok := inst.memory.Read(outPtr, outLen)
	if !ok {
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrTrap, Message: "guest returned out-of-bounds memory region"}
	}
	if response == nil {
		return nil
	}
	if err := json.Unmarshal(raw, response); err != nil {
		return &Error{Plugin: inst.manifest.Name, Function: fn, Kind: ErrMalformed, Message: err.Error()}
	}
	return nil
}

// writeToGuest allocates size bytes in the guest's linear memory via its
// exported alloc(size) function and writes payload into it, returning the
// pointer and length the guest export expects as its (ptr, len) argument
// pair.
func (inst *Instance) writeToGuest(ctx context.Context, payload []byte) (ptr uint32, size uint32, err error) {
	if inst.allocFn == nil {
		return 0, 0, fmt.Errorf("guest does not export alloc")
	}
	results, err := inst.allocFn.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, 0, err
	}
	ptr = uint32(results[0])
	if !inst.memory.Write(ptr, payload) {
		return 0, 0, fmt.Errorf("alloc returned out-of-bounds pointer")
	}
	return ptr, uint32(len(payload)), nil
}

// buildHostModule registers the capability-gated functions the guest's
// imports section calls into: storage, http, env, shell and filesystem
// access. Each wraps its HostServices call with a manifest capability check
// and returns a JSON envelope {"ok":bool,"error":string,...} written back
// into guest memory the same way CallJSON reads guest responses.
func (h *Host) buildHostModule(ctx context.Context, manifest *Manifest, inst *Instance) (wazero.HostModuleBuilder, error) {
	builder := h.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_storage_get", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.Storage {
				return nil, &Error{Plugin: manifest.Name, Function: "host_storage_get", Kind: ErrCapability, Message: "storage capability not granted"}
			}
			value, found, err := inst.services.StorageGet(req.Key)
			return map[string]any{"value": value, "found": found}, err
		})
	}).Export("host_storage_get")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_storage_set", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.Storage {
				return nil, &Error{Plugin: manifest.Name, Function: "host_storage_set", Kind: ErrCapability, Message: "storage capability not granted"}
			}
			return nil, inst.services.StorageSet(req.Key, req.Value)
		})
	}).Export("host_storage_set")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_env_get", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.IsEnvAllowed(req.Key) {
				return nil, &Error{Plugin: manifest.Name, Function: "host_env_get", Kind: ErrCapability, Message: fmt.Sprintf("env var %q not granted", req.Key)}
			}
			value, found := inst.services.EnvGet(req.Key)
			return map[string]any{"value": value, "found": found}, nil
		})
	}).Export("host_env_get")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_fs_read", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.IsFSReadAllowed(req.Key) {
				return nil, &Error{Plugin: manifest.Name, Function: "host_fs_read", Kind: ErrCapability, Message: fmt.Sprintf("path %q not granted", req.Key)}
			}
			data, err := inst.services.FSRead(req.Key)
			return map[string]any{"content": string(data)}, err
		})
	}).Export("host_fs_read")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_shell_exec", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.Shell {
				return nil, &Error{Plugin: manifest.Name, Function: "host_shell_exec", Kind: ErrCapability, Message: "shell capability not granted"}
			}
			stdout, stderr, code, err := inst.services.ShellExec(ctx, req.Key)
			return map[string]any{"stdout": stdout, "stderr": stderr, "exitCode": code}, err
		})
	}).Export("host_shell_exec")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) uint64 {
		return inst.hostCall(ctx, m, ptr, size, "host_http_fetch", func(req hostRequest) (any, error) {
			if !manifest.Capabilities.IsHTTPAllowed(req.Host) {
				return nil, &Error{Plugin: manifest.Name, Function: "host_http_fetch", Kind: ErrCapability, Message: fmt.Sprintf("host %q not granted", req.Host)}
			}
			status, body, err := inst.services.HTTPFetch(ctx, req.Method, req.URL, []byte(req.Value))
			return map[string]any{"status": status, "body": string(body)}, err
		})
	}).Export("host_http_fetch")

	return builder, nil
}

// hostRequest is the envelope guest code writes into shared memory before
// calling a host_* import; Key doubles as the env/storage/fs_read key or the
// shell command depending on which function reads it.
type hostRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
}

// hostCall is the shared read-request/invoke/write-response plumbing every
// host_* export uses: read the (ptr,len) argument pair as a JSON hostRequest,
// run fn, marshal its result (or error) back into guest memory allocated via
// the guest's own alloc(), and return the response as a packed (ptr<<32|len).
func (inst *Instance) hostCall(ctx context.Context, m api.Module, ptr, size uint32, name string, fn func(hostRequest) (any, error)) uint64 {
	raw, ok := m.Memory().Read(ptr, size)
	if !ok {
		return inst.writeHostResponse(ctx, m, map[string]any{"ok": false, "error": "bad request pointer"})
	}
	var req hostRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return inst.writeHostResponse(ctx, m, map[string]any{"ok": false, "error": "malformed request: " + err.Error()})
	}

	result, err := fn(req)
	if err != nil {
		return inst.writeHostResponse(ctx, m, map[string]any{"ok": false, "error": err.Error()})
	}
	envelope := map[string]any{"ok": true}
	if result != nil {
		envelope["result"] = result
	}
	return inst.writeHostResponse(ctx, m, envelope)
}

func (inst *Instance) writeHostResponse(ctx context.Context, m api.Module, envelope map[string]any) uint64 {
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0
	}
	ptr, size, err := inst.writeToGuest(ctx, body)
	if err != nil {
		return 0
	}
	return uint64(ptr)<<32 | uint64(size)
}
