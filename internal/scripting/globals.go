package scripting

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/dop251/goja"
	"github.com/mountebank-testing/imposters/internal/util"
)

// installGlobals adds the node-like globals injected code commonly relies on
func installGlobals(vm *goja.Runtime, logger *util.Logger) {
	console := vm.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		logger.Info(formatArgs(call))
		return goja.Undefined()
	}
	_ = console.Set("log", log)
	_ = console.Set("info", log)
	_ = console.Set("debug", func(call goja.FunctionCall) goja.Value {
		logger.Debug(formatArgs(call))
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		logger.Warn(formatArgs(call))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		logger.Error(formatArgs(call))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	buffer := vm.NewObject()
	_ = buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		encoding := "utf8"
		if len(call.Arguments) > 1 {
			encoding = call.Arguments[1].String()
		}
		return newBuffer(vm, decode(call.Arguments[0].String(), encoding))
	})
	_ = buffer.Set("alloc", func(call goja.FunctionCall) goja.Value {
		size := 0
		if len(call.Arguments) > 0 {
			size = int(call.Arguments[0].ToInteger())
		}
		return newBuffer(vm, make([]byte, size))
	})
	_ = vm.Set("Buffer", buffer)
}

func newBuffer(vm *goja.Runtime, data []byte) goja.Value {
	instance := vm.NewObject()
	_ = instance.Set("length", len(data))
	_ = instance.Set("toString", func(call goja.FunctionCall) goja.Value {
		encoding := "utf8"
		if len(call.Arguments) > 0 {
			encoding = call.Arguments[0].String()
		}
		return vm.ToValue(encode(data, encoding))
	})
	return instance
}

func decode(input, encoding string) []byte {
	switch encoding {
	case "base64":
		data, err := base64.StdEncoding.DecodeString(input)
		if err != nil {
			return []byte{}
		}
		return data
	case "hex":
		data, err := hex.DecodeString(input)
		if err != nil {
			return []byte{}
		}
		return data
	default:
		return []byte(input)
	}
}

func encode(data []byte, encoding string) string {
	switch encoding {
	case "base64":
		return base64.StdEncoding.EncodeToString(data)
	case "hex":
		return hex.EncodeToString(data)
	default:
		return string(data)
	}
}
